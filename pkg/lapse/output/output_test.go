package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

func sampleReport() *Report {
	ts := time.Date(2024, 3, 2, 14, 5, 9, 0, time.UTC)
	return &Report{
		Title: "Capture history",
		Cycles: []*types.CycleLog{
			{
				ID: "b", Timestamp: ts.Add(time.Minute), Outcome: types.OutcomeFailure,
				Exposure: 21, Focus: 120, Error: "device read: select timeout",
			},
			{
				ID: "a", Timestamp: ts, Outcome: types.OutcomeSuccess,
				Exposure: 21, Focus: 120, Brightness: 92.4, Sharpness: 311.7,
				FrameID: "capture_20240302_140509", FramePath: "/frames/capture_20240302_140509.png",
				Duration: 12400 * time.Millisecond,
				Properties: &types.Properties{Width: 1280, Height: 720, Exposure: 21, Focus: 120},
			},
		},
		Summary: &Summary{Total: 2, Success: 1, Failures: 1},
		Frames:  &FrameStats{Dir: "/frames", Count: 1, Bytes: 2 << 20, Newest: ts},
	}
}

func format(t *testing.T, name string, r *Report) string {
	t.Helper()
	f, err := Get(name)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.Format(&buf, r))
	return buf.String()
}

func TestAvailable(t *testing.T) {
	assert.Equal(t, []string{"csv", "json", "plain", "pretty", "template", "tsv", "yaml"}, Available())

	_, err := Get("xml")
	assert.Error(t, err)
}

func TestPretty(t *testing.T) {
	out := format(t, "pretty", sampleReport())

	assert.Contains(t, out, "Capture history")
	assert.Contains(t, out, "capture_20240302_140509")
	assert.Contains(t, out, "select timeout")
	assert.Contains(t, out, "12.4s")
	assert.Contains(t, out, "2.0 MiB")
}

func TestPretty_Empty(t *testing.T) {
	out := format(t, "pretty", &Report{})
	assert.Contains(t, out, "No cycles recorded yet")
	assert.Contains(t, out, "daemon: off")
}

func TestPlain(t *testing.T) {
	out := format(t, "plain", sampleReport())
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "TIME"))
	assert.Contains(t, lines[2], "/frames/capture_20240302_140509.png")
	assert.NotContains(t, out, "\x1b[", "no ANSI escapes")
}

func TestCSV(t *testing.T) {
	out := format(t, "csv", sampleReport())
	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, columns, rows[0])
	assert.Equal(t, "failure", rows[1][1])
	assert.Equal(t, "device read: select timeout", rows[1][7])
}

func TestTSV(t *testing.T) {
	out := format(t, "tsv", sampleReport())
	first := strings.SplitN(out, "\n", 2)[0]
	assert.Equal(t, strings.Join(columns, "\t"), first)
}

func TestJSON(t *testing.T) {
	out := format(t, "json", sampleReport())

	var back Report
	require.NoError(t, json.Unmarshal([]byte(out), &back))
	require.Len(t, back.Cycles, 2)
	assert.Equal(t, "capture_20240302_140509", back.Cycles[1].FrameID)
	assert.Equal(t, 1, back.Summary.Failures)
}

func TestYAML(t *testing.T) {
	out := format(t, "yaml", sampleReport())

	var back map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &back))
	assert.Equal(t, "Capture history", back["title"])
	assert.Len(t, back["cycles"], 2)
}

func TestTemplate(t *testing.T) {
	f := NewTemplateFormatter(`{{range .Cycles}}{{.ID}}:{{.Outcome}} {{end}}{{bytes .Frames.Bytes}}`)
	var buf bytes.Buffer
	require.NoError(t, f.Format(&buf, sampleReport()))
	assert.Equal(t, "b:failure a:success 2.0 MiB", buf.String())

	f.SetTemplate("{{.Missing")
	assert.Error(t, f.Format(&buf, sampleReport()))
}

func TestFocusLabel(t *testing.T) {
	c := &types.CycleLog{Focus: 80}
	assert.Equal(t, "80", focusLabel(c))
	c.Properties = &types.Properties{Autofocus: true}
	assert.Equal(t, "auto", focusLabel(c))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "850ms", formatDuration(850*time.Millisecond))
	assert.Equal(t, "12.4s", formatDuration(12400*time.Millisecond))
	assert.Equal(t, "3m 5s", formatDuration(185*time.Second))
	assert.Equal(t, "2h 10m", formatDuration(130*time.Minute))
}
