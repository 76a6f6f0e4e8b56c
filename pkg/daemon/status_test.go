package daemon_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jamesainslie/lapse/pkg/daemon"
)

func TestWriteStatusReady(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")

	if err := daemon.WriteStatusReady(statusPath, "/run/lapse.sock", "/run/lapse-api.sock"); err != nil {
		t.Fatalf("WriteStatusReady failed: %v", err)
	}

	data, err := os.ReadFile(statusPath)
	if err != nil {
		t.Fatalf("Failed to read status file: %v", err)
	}
	var status map[string]any
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("Failed to parse status JSON: %v", err)
	}

	if status["status"] != daemon.StatusReady {
		t.Errorf("Expected status 'ready', got %v", status["status"])
	}
	if pid, ok := status["pid"].(float64); !ok || int(pid) != os.Getpid() {
		t.Errorf("Expected PID %d, got %v", os.Getpid(), status["pid"])
	}
	if status["api"] != "/run/lapse-api.sock" {
		t.Errorf("Expected api socket, got %v", status["api"])
	}
	if _, exists := status["error"]; exists {
		t.Error("Error field should not be present in ready status")
	}
	if _, err := os.Stat(statusPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary status file should not remain")
	}
}

func TestReadStatus(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(dir, "status.json")

	t.Run("read ready status", func(t *testing.T) {
		if err := daemon.WriteStatusReady(statusPath, "s", "a"); err != nil {
			t.Fatalf("WriteStatusReady failed: %v", err)
		}
		status, err := daemon.ReadStatus(statusPath)
		if err != nil {
			t.Fatalf("ReadStatus failed: %v", err)
		}
		if status.Status != daemon.StatusReady || status.PID != os.Getpid() {
			t.Errorf("unexpected status %+v", status)
		}
		if status.StartedAt.IsZero() {
			t.Error("StartedAt should be set")
		}
	})

	t.Run("read error status", func(t *testing.T) {
		testErr := errors.New("binding health socket: address in use")
		if err := daemon.WriteStatusError(statusPath, testErr); err != nil {
			t.Fatalf("WriteStatusError failed: %v", err)
		}
		status, err := daemon.ReadStatus(statusPath)
		if err != nil {
			t.Fatalf("ReadStatus failed: %v", err)
		}
		if status.Status != daemon.StatusError {
			t.Errorf("Expected status 'error', got %s", status.Status)
		}
		if status.Error != testErr.Error() {
			t.Errorf("Expected error %q, got %q", testErr.Error(), status.Error)
		}
		if status.PID != 0 {
			t.Errorf("Expected PID 0, got %d", status.PID)
		}
	})

	t.Run("read non-existent file", func(t *testing.T) {
		if _, err := daemon.ReadStatus(filepath.Join(dir, "missing.json")); err == nil {
			t.Error("Expected error when reading non-existent file")
		}
	})

	t.Run("read invalid JSON", func(t *testing.T) {
		invalidPath := filepath.Join(dir, "invalid.json")
		if err := os.WriteFile(invalidPath, []byte("not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := daemon.ReadStatus(invalidPath); err == nil {
			t.Error("Expected error when reading invalid JSON")
		}
	})
}

func TestRemoveStatus(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")
	if err := daemon.WriteStatusReady(statusPath, "", ""); err != nil {
		t.Fatalf("WriteStatusReady failed: %v", err)
	}
	if err := daemon.RemoveStatus(statusPath); err != nil {
		t.Fatalf("RemoveStatus failed: %v", err)
	}
	if _, err := os.Stat(statusPath); !os.IsNotExist(err) {
		t.Error("Status file should have been removed")
	}
}
