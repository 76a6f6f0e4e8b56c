package output

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"text/tabwriter"

	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

var columns = []string{"TIME", "STATUS", "EXPOSURE", "FOCUS", "BRIGHTNESS", "SHARPNESS", "FRAME", "ERROR"}

func record(c *types.CycleLog) []string {
	return []string{
		c.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		string(c.Outcome),
		fmt.Sprintf("%d", c.Exposure),
		focusLabel(c),
		fmt.Sprintf("%.2f", c.Brightness),
		fmt.Sprintf("%.2f", c.Sharpness),
		c.FramePath,
		c.Error,
	}
}

// PlainFormatter writes an aligned, uncoloured table for scripting.
type PlainFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PlainFormatter) Format(w *bytes.Buffer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	if err := writeTabbed(tw, columns); err != nil {
		return err
	}
	for _, c := range r.Cycles {
		if err := writeTabbed(tw, record(c)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func writeTabbed(tw *tabwriter.Writer, cells []string) error {
	for i, cell := range cells {
		sep := "\t"
		if i == len(cells)-1 {
			sep = "\n"
		}
		if _, err := tw.Write([]byte(cell + sep)); err != nil {
			return err
		}
	}
	return nil
}

// TSVFormatter writes tab-separated values.
type TSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *TSVFormatter) Format(w *bytes.Buffer, r *Report) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	return writeCSV(cw, r.Cycles)
}

// CSVFormatter writes RFC 4180 comma-separated values.
type CSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *CSVFormatter) Format(w *bytes.Buffer, r *Report) error {
	return writeCSV(csv.NewWriter(w), r.Cycles)
}

func writeCSV(cw *csv.Writer, cycles []*types.CycleLog) error {
	if err := cw.Write(columns); err != nil {
		return err
	}
	for _, c := range cycles {
		if err := cw.Write(record(c)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func init() {
	Register("plain", func() Formatter { return &PlainFormatter{} })
	Register("tsv", func() Formatter { return &TSVFormatter{} })
	Register("csv", func() Formatter { return &CSVFormatter{} })
}

var (
	_ Formatter = (*PlainFormatter)(nil)
	_ Formatter = (*TSVFormatter)(nil)
	_ Formatter = (*CSVFormatter)(nil)
)
