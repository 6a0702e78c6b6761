package shared

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/pipectl/pkg/logstream"
	"github.com/tombee/pipectl/pkg/pipeline"
)

func staticDisplay(verbose bool) (*ProgressDisplay, *bytes.Buffer) {
	var buf bytes.Buffer
	p := NewProgressDisplay(&buf, true, verbose)
	p.isTTY = false
	return p, &buf
}

func TestProgressDisplay_Static(t *testing.T) {
	p, buf := staticDisplay(false)

	step := pipeline.Step{ID: "s1", Type: pipeline.StepClean, Name: "Clean data"}
	p.Start("Running pipeline", "01HZX")
	p.Handle(pipeline.Progress{Status: pipeline.ProgressStepStarted, Step: &step, StepIndex: 0, TotalSteps: 2})
	p.Handle(pipeline.Progress{
		Status: pipeline.ProgressStepCompleted,
		Step:   &step,
		Result: &pipeline.ExecutionResult{Step: step, Success: true, Attempts: 2, Duration: 1500 * time.Millisecond},
	})

	failed := pipeline.Step{ID: "s2", Type: pipeline.StepAnalyze, Name: "Analyze data", AutoInserted: true}
	p.Handle(pipeline.Progress{Status: pipeline.ProgressStepStarted, Step: &failed, StepIndex: 1, TotalSteps: 2})
	p.Handle(pipeline.Progress{
		Status: pipeline.ProgressStepFailed,
		Step:   &failed,
		Result: &pipeline.ExecutionResult{Step: failed, Success: false, Attempts: 1, Error: "analyze failed [HTTP 400]"},
	})
	p.Finish("failed")

	out := buf.String()
	assert.Contains(t, out, "Running pipeline")
	assert.Contains(t, out, "01HZX")
	assert.Contains(t, out, "[1/2] Clean data...")
	assert.Contains(t, out, "(1.5s)")
	assert.Contains(t, out, "2 attempts")
	assert.Contains(t, out, "[2/2] Analyze data...")
	assert.Contains(t, out, "auto")
	assert.Contains(t, out, "analyze failed [HTTP 400]")
	assert.Contains(t, out, "Pipeline failed")

	done := p.Completed()
	assert.Len(t, done, 2)
	assert.Equal(t, "success", done[0].Status)
	assert.Equal(t, "error", done[1].Status)
}

func TestProgressDisplay_LogEventsOnlyWhenVerbose(t *testing.T) {
	quiet, quietBuf := staticDisplay(false)
	quiet.LogEvent(logstream.LogEvent{Level: logstream.LevelInfo, Message: "Starting data cleaning..."})
	assert.Empty(t, quietBuf.String())

	verbose, verboseBuf := staticDisplay(true)
	verbose.LogEvent(logstream.LogEvent{Level: logstream.LevelWarning, Message: "Starting data cleaning..."})
	assert.Contains(t, verboseBuf.String(), "Starting data cleaning...")
	assert.Contains(t, verboseBuf.String(), "warning")
}

func TestProgressDisplay_Finish(t *testing.T) {
	for status, want := range map[string]string{
		"completed": "Pipeline completed",
		"partial":   "completed with failed steps",
		"cancelled": "Pipeline cancelled",
		"other":     "Pipeline other",
	} {
		p, buf := staticDisplay(false)
		p.Finish(status)
		assert.True(t, strings.Contains(buf.String(), want), "status %s: %q", status, buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0.0s", formatDuration(0))
	assert.Equal(t, "0.3s", formatDuration(260*time.Millisecond))
	assert.Equal(t, "12.4s", formatDuration(12400*time.Millisecond))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "12s", formatElapsed(12*time.Second))
	assert.Equal(t, "1m", formatElapsed(time.Minute))
	assert.Equal(t, "1m 23s", formatElapsed(83*time.Second))
}
