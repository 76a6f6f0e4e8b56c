package output

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// PrettyFormatter renders a styled terminal view with lipgloss.
type PrettyFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PrettyFormatter) Format(w *bytes.Buffer, r *Report) error {
	w.WriteString(f.formatHeader(r))
	w.WriteString("\n")
	w.WriteString(f.formatTable(r.Cycles))
	if footer := f.formatFooter(r); footer != "" {
		w.WriteString(footer)
		w.WriteString("\n")
	}

	if len(r.Warnings) > 0 {
		w.WriteString("\n")
		w.WriteString(WarningStyle.Bold(true).Render("Warnings:"))
		w.WriteString("\n")
		for _, warning := range r.Warnings {
			w.WriteString(WarningStyle.Render("  " + warning))
			w.WriteString("\n")
		}
	}
	return nil
}

func (f *PrettyFormatter) formatHeader(r *Report) string {
	title := r.Title
	if title == "" {
		title = "lapse"
	}
	lines := []string{TitleStyle.Render(title)}

	var info []string
	if r.Summary != nil {
		info = append(info,
			LabelStyle.Render("Cycles:")+" "+ValueStyle.Render(fmt.Sprintf("%d", r.Summary.Total)),
			LabelStyle.Render("Failed:")+" "+failureStyle(r.Summary.Failures).Render(fmt.Sprintf("%d", r.Summary.Failures)),
		)
	}
	if r.DaemonUp {
		info = append(info, SuccessStyle.Render("daemon: up"))
	} else {
		info = append(info, MutedStyle.Render("daemon: off"))
	}
	lines = append(lines, strings.Join(info, "  "))
	return HeaderBox.Render(strings.Join(lines, "\n"))
}

func failureStyle(n int) lipgloss.Style {
	if n > 0 {
		return ErrorStyle
	}
	return ValueStyle
}

func (f *PrettyFormatter) formatTable(cycles []*types.CycleLog) string {
	if len(cycles) == 0 {
		return MutedStyle.Render("  No cycles recorded yet") + "\n"
	}

	headers := []string{"TIME", "STATUS", "EXPOSURE", "FOCUS", "BRIGHTNESS", "SHARPNESS", "TOOK", "FRAME"}
	rows := make([][]string, len(cycles))
	for i, c := range cycles {
		frame := c.FrameID
		if !c.Succeeded() {
			frame = c.Error
		}
		rows[i] = []string{
			c.Timestamp.Format("2006-01-02 15:04:05"),
			string(c.Outcome),
			fmt.Sprintf("%d", c.Exposure),
			focusLabel(c),
			fmt.Sprintf("%.1f", c.Brightness),
			fmt.Sprintf("%.1f", c.Sharpness),
			formatDuration(c.Duration),
			frame,
		}
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	var sb strings.Builder
	sb.WriteString("  ")
	for i, h := range headers {
		sb.WriteString(TableHeaderStyle.Render(padRight(h, widths[i])))
	}
	sb.WriteString("\n")

	for ri, row := range rows {
		sb.WriteString("  ")
		for i, cell := range row {
			style := TableRowStyle
			switch {
			case i == 1 && cycles[ri].Succeeded():
				style = style.Foreground(ColorSuccess)
			case i == 1 || (i == len(row)-1 && !cycles[ri].Succeeded()):
				style = style.Foreground(ColorDanger)
			case i == 2 || i == 3:
				style = style.Foreground(ColorPrimary)
			}
			sb.WriteString(style.Render(padRight(cell, widths[i])))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (f *PrettyFormatter) formatFooter(r *Report) string {
	if r.Frames == nil {
		return ""
	}
	fr := r.Frames
	parts := []string{
		LabelStyle.Render("Frames:") + " " + ValueStyle.Render(fmt.Sprintf("%d", fr.Count)),
		LabelStyle.Render("Size:") + " " + NumberStyle.Render(humanize.IBytes(uint64(fr.Bytes))),
	}
	if !fr.Newest.IsZero() {
		parts = append(parts, LabelStyle.Render("Latest:")+" "+ValueStyle.Render(humanize.Time(fr.Newest)))
	}
	if fr.Dir != "" {
		parts = append(parts, MutedStyle.Render(fr.Dir))
	}
	return FooterBox.Render(strings.Join(parts, "  "))
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func init() {
	Register("pretty", func() Formatter {
		return &PrettyFormatter{}
	})
}

var _ Formatter = (*PrettyFormatter)(nil)
