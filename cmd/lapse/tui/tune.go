package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jamesainslie/lapse/pkg/lapse/exposure"
	"github.com/jamesainslie/lapse/pkg/lapse/focus"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// maxRows is how many recent probes each table keeps.
const maxRows = 12

// ExposureMsg reports one exposure probe.
type ExposureMsg exposure.Probe

// FocusMsg reports one focus probe.
type FocusMsg focus.Probe

// DoneMsg ends the tuning run.
type DoneMsg struct {
	Exposure *exposure.Result
	Focus    *focus.Result
	Err      error
}

// TuneModel shows a tuning run as it happens.
type TuneModel struct {
	band    types.Band
	spinner spinner.Model
	cancel  context.CancelFunc

	exposure []exposure.Probe
	focus    []focus.Probe
	best     *focus.Probe
	phase    string
	done     *DoneMsg

	start  time.Time
	width  int
	height int
}

// NewTuneModel returns a model for a run targeting band. cancel is called
// when the user quits before the run finishes.
func NewTuneModel(band types.Band, cancel context.CancelFunc) TuneModel {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return TuneModel{
		band:    band,
		spinner: s,
		cancel:  cancel,
		phase:   "exposure",
		start:   time.Now(),
		width:   80,
		height:  24,
	}
}

// Init starts the spinner.
func (m TuneModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles probe, completion and key messages.
func (m TuneModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}

	case ExposureMsg:
		m.exposure = appendRecent(m.exposure, exposure.Probe(msg))

	case FocusMsg:
		p := focus.Probe(msg)
		m.phase = "focus"
		m.focus = appendRecent(m.focus, p)
		if m.best == nil || p.Sharpness > m.best.Sharpness {
			m.best = &p
		}

	case DoneMsg:
		m.done = &msg
		m.phase = "done"

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func appendRecent[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > maxRows {
		s = s[len(s)-maxRows:]
	}
	return s
}

// View renders the model.
func (m TuneModel) View() string {
	width := max(m.width-4, 40)

	var b strings.Builder
	b.WriteString(m.renderHeader(width))
	b.WriteString("\n")
	b.WriteString(dividerStyle.Render(strings.Repeat("─", width)))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Exposure  (band %s)", m.band)))
	b.WriteString("\n")
	b.WriteString(m.renderExposure(width))
	b.WriteString("\n")

	if len(m.focus) > 0 {
		b.WriteString(sectionStyle.Render("Focus"))
		b.WriteString("\n")
		b.WriteString(m.renderFocus())
	}

	return outerBoxStyle.Width(max(m.width-2, 42)).Render(b.String())
}

func (m TuneModel) renderHeader(width int) string {
	title := titleStyle.Render("lapse tune")
	hint := mutedTextStyle.Render("[q to quit]")
	spacing := max(width-lipgloss.Width(title)-lipgloss.Width(hint), 1)
	return title + strings.Repeat(" ", spacing) + hint
}

func (m TuneModel) renderStatus() string {
	elapsed := time.Since(m.start).Round(100 * time.Millisecond)
	if m.done == nil {
		return fmt.Sprintf("%s tuning %s  %s", m.spinner.View(), m.phase, mutedTextStyle.Render(elapsed.String()))
	}
	if m.done.Err != nil {
		return errorTextStyle.Render("Error: " + m.done.Err.Error())
	}

	var parts []string
	if r := m.done.Exposure; r != nil {
		style := successTextStyle
		if r.State != exposure.Converged {
			style = warningTextStyle
		}
		parts = append(parts, style.Render(fmt.Sprintf("exposure %d (%s after %d)", r.Exposure, r.State, r.Iterations)))
	}
	if r := m.done.Focus; r != nil {
		parts = append(parts, successTextStyle.Render(fmt.Sprintf("focus %d (%d probes)", r.Focus, r.Probes)))
	}
	return strings.Join(parts, "  ")
}

func (m TuneModel) renderExposure(width int) string {
	if len(m.exposure) == 0 {
		return mutedTextStyle.Render("  waiting for the first frame...") + "\n"
	}
	barWidth := max(width-40, 10)

	var b strings.Builder
	for _, p := range m.exposure {
		fmt.Fprintf(&b, "  #%-4d %5d  %6.1f  %s  %s\n",
			p.Iteration, p.Exposure, p.Brightness, m.bar(p.Brightness, barWidth), p.State)
	}
	return b.String()
}

// bar draws brightness on a 0-255 scale.
func (m TuneModel) bar(brightness float64, width int) string {
	filled := min(max(int(brightness/255*float64(width)), 0), width)
	style := barOffStyle
	if m.band.Contains(brightness) {
		style = barInBandStyle
	}
	return style.Render(strings.Repeat("█", filled)) + barEmptyStyle.Render(strings.Repeat("░", width-filled))
}

func (m TuneModel) renderFocus() string {
	var b strings.Builder
	for _, p := range m.focus {
		marker := " "
		if m.best != nil && p.Focus == m.best.Focus && p.Stage == m.best.Stage {
			marker = "*"
		}
		fmt.Fprintf(&b, " %s stage %d  focus %3d  sharpness %8.1f\n", marker, p.Stage, p.Focus, p.Sharpness)
	}
	return b.String()
}

// Work runs the tuning and reports probes through send.
type Work func(ctx context.Context, send func(tea.Msg)) DoneMsg

// Run shows the view while work runs. It returns the run's error, or the
// context error when the user quit early.
func Run(ctx context.Context, band types.Band, work Work) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewTuneModel(band, cancel), tea.WithAltScreen(), tea.WithContext(ctx))

	result := make(chan DoneMsg, 1)
	go func() {
		done := work(ctx, p.Send)
		result <- done
		p.Send(done)
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	cancel()
	done := <-result
	return done.Err
}
