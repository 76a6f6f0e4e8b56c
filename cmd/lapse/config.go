package main

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/lapse/pkg/lapse/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage lapse configuration settings.

Configuration is loaded from:
  1. --config, when given
  2. $XDG_CONFIG_HOME/lapse/config.yaml (if set)
  3. ~/.config/lapse/config.yaml

Environment variables override file settings using the LAPSE_ prefix:
  LAPSE_SCHEDULE_PERIOD=5m
  LAPSE_EXPOSURE_FACTOR=1.1
  LAPSE_DEVICE_DRIVER=sim`,
	// Config commands must work on a broken file, so they skip validation.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration from all sources.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	Long: `Open the configuration file in your default editor.

The editor is determined by:
  1. $VISUAL environment variable
  2. $EDITOR environment variable
  3. Falls back to 'vi'

If the config file doesn't exist, a default one will be created first.`,
	Args: cobra.NoArgs,
	RunE: runConfigEdit,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	c, err := config.LoadFile(cfgFile)
	if err != nil {
		return err
	}

	if c.File != "" {
		fmt.Printf("Config file: %s\n\n", c.File)
	} else {
		fmt.Println("Config file: (using defaults, no file found)")
		fmt.Println()
	}

	fmt.Println("Current Configuration:")
	fmt.Println("----------------------")
	for _, s := range configLines(c) {
		fmt.Printf("%-26s %v\n", s.key+":", s.value)
	}

	if err := c.Validate(); err != nil {
		fmt.Printf("\nInvalid: %v\n", err)
	}

	fmt.Println("\nEnvironment Overrides:")
	fmt.Println("----------------------")
	overrides := envOverrides()
	for _, ev := range overrides {
		fmt.Println(ev)
	}
	if len(overrides) == 0 {
		fmt.Println("(none)")
	}
	return nil
}

type setting struct {
	key   string
	value any
}

// configLines lists the effective settings in file order.
func configLines(c *config.Config) []setting {
	hidden := "(unset)"
	if c.HTTP.PasswordHash != "" {
		hidden = "(set)"
	}
	return []setting{
		{"camera", c.CameraConfig()},
		{"device.driver", c.Device.Driver},
		{"device.path", c.Device.Path},
		{"device.timeout", c.Device.Timeout},
		{"exposure.initial", c.Exposure.Initial},
		{"exposure.range", fmt.Sprintf("%d..%d", c.Exposure.Min, c.Exposure.Max)},
		{"exposure.factor", c.Exposure.Factor},
		{"exposure.max_iterations", c.Exposure.MaxIterations},
		{"exposure.band", c.Band()},
		{"exposure.oscillation", fmt.Sprintf("%d distinct in last %d", c.Exposure.MaxDistinct, c.Exposure.History)},
		{"schedule.period", c.Schedule.Period},
		{"schedule.resume", c.Schedule.Resume},
		{"frames.dir", c.Frames.Dir},
		{"frames.format", c.Frames.Format},
		{"frames.overlay", c.Frames.Overlay},
		{"frames.retention_days", c.Frames.RetentionDays},
		{"frames.max_frames", c.Frames.MaxFrames},
		{"notify.webhook", c.Notify.Webhook},
		{"journal.path", c.Journal.Path},
		{"journal.retention_days", c.Journal.RetentionDays},
		{"http.listen", c.HTTP.Listen},
		{"http.password_hash", hidden},
		{"logging.level", c.Logging.Level},
		{"logging.path", c.Logging.Path},
		{"daemon.socket_path", c.Daemon.SocketPath},
		{"daemon.pid_path", c.Daemon.PIDPath},
	}
}

func envOverrides() []string {
	var out []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "LAPSE_") {
			if strings.HasPrefix(kv, "LAPSE_HTTP_PASSWORD_HASH=") {
				kv = "LAPSE_HTTP_PASSWORD_HASH=(set)"
			}
			out = append(out, kv)
		}
	}
	sort.Strings(out)
	return out
}

func runConfigEdit(_ *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		var err error
		if path, _, err = config.WriteDefault(); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}

	printVerbose("Opening %s with %s", path, editor)

	editorCmd := exec.Command(editor, path) //nolint:gosec // the editor is the user's choice
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor command failed: %w", err)
	}

	if _, err := config.LoadFile(path); err != nil {
		printInfo("Warning: %v", err)
	}
	return nil
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path, created, err := config.WriteDefault()
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if !created {
		printInfo("Config file already exists: %s", path)
		printInfo("Use 'lapse config edit' to modify it.")
		return nil
	}
	printInfo("Created default config file: %s", path)
	return nil
}

func runConfigPath(_ *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		var err error
		if path, err = config.ConfigFile(); err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
	}
	fmt.Println(path)

	if _, err := os.Stat(path); err == nil {
		printVerbose("File exists")
	} else if os.IsNotExist(err) {
		printVerbose("File does not exist (will use defaults)")
	}
	return nil
}
