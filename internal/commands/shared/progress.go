// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tombee/pipectl/pkg/logstream"
	"github.com/tombee/pipectl/pkg/pipeline"
)

// ProgressDisplay renders run progress: an animated spinner for the running
// step and one line per finished step. It falls back to static lines when
// output is not a terminal or progress is disabled.
type ProgressDisplay struct {
	mu         sync.Mutex
	out        io.Writer
	isTTY      bool
	noProgress bool
	verbose    bool

	// Current step tracking
	currentStepName string
	stepStartTime   time.Time
	stepIndex       int
	totalSteps      int

	// Log messages for current step (verbose mode)
	currentLogs []string

	completedSteps []CompletedStep

	// Animation state
	frameIdx int
	done     chan struct{}
	running  bool
}

// CompletedStep tracks information about a finished step.
type CompletedStep struct {
	Name     string
	Status   string // "success", "error"
	Attempts int
	Duration time.Duration
	Inserted bool
}

// NewProgressDisplay creates a display writing to out.
func NewProgressDisplay(out io.Writer, noProgress, verbose bool) *ProgressDisplay {
	return &ProgressDisplay{
		out:        out,
		isTTY:      ColorEnabled(),
		noProgress: noProgress,
		verbose:    verbose,
	}
}

// Start prints the run header.
func (p *ProgressDisplay) Start(title, runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	header := title
	if runID != "" {
		header += " " + Muted.Render("("+runID+")")
	}
	fmt.Fprintln(p.out, header)
	fmt.Fprintln(p.out)
}

// Handle consumes engine progress events. It can be passed directly as a
// pipeline.ProgressFunc.
func (p *ProgressDisplay) Handle(ev pipeline.Progress) {
	switch ev.Status {
	case pipeline.ProgressStepStarted:
		if ev.Step != nil {
			p.StepStarted(ev.Step.Name, ev.StepIndex, ev.TotalSteps)
		}
	case pipeline.ProgressStepCompleted, pipeline.ProgressStepFailed:
		if ev.Result != nil {
			p.StepCompleted(*ev.Result)
		}
	case pipeline.ProgressPaused:
		p.Notice(RenderWarn("paused"))
	case pipeline.ProgressResumed:
		p.Notice(RenderOK("resumed"))
	}
}

// StepStarted is called when a step begins execution.
func (p *ProgressDisplay) StepStarted(stepName string, index, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentStepName = stepName
	p.stepStartTime = time.Now()
	p.stepIndex = index
	p.totalSteps = total
	p.currentLogs = nil

	if p.isInteractive() {
		p.startSpinner()
	} else {
		fmt.Fprintf(p.out, "  %s [%d/%d] %s...\n", Muted.Render(SymbolInfo), index+1, total, stepName)
	}
}

// StepCompleted is called when a step finishes, successfully or not.
func (p *ProgressDisplay) StepCompleted(res pipeline.ExecutionResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := "success"
	if !res.Success {
		status = "error"
	}
	step := CompletedStep{
		Name:     res.Step.Name,
		Status:   status,
		Attempts: res.Attempts,
		Duration: res.Duration,
		Inserted: res.Step.AutoInserted,
	}
	p.completedSteps = append(p.completedSteps, step)

	if p.isInteractive() {
		p.stopSpinner()
		p.clearCurrentLines()
	}

	p.printCompletedStep(step)
	if !res.Success && res.Error != "" {
		fmt.Fprintf(p.out, "    %s %s\n", Muted.Render("│"), StatusError.Render(res.Error))
	}

	p.currentStepName = ""
	p.currentLogs = nil
}

// LogEvent shows a streamed log line (verbose mode only).
func (p *ProgressDisplay) LogEvent(ev logstream.LogEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.verbose {
		return
	}

	line := LevelStyle(ev.Level).Render(string(ev.Level)) + " " + ev.Message
	if p.isInteractive() && p.currentStepName != "" {
		p.currentLogs = append(p.currentLogs, line)
		p.redrawSpinnerLine()
	} else {
		fmt.Fprintf(p.out, "    %s %s\n", Muted.Render("│"), line)
	}
}

// Notice prints a one-off line between steps.
func (p *ProgressDisplay) Notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "  %s\n", msg)
}

// Completed returns the steps finished so far.
func (p *ProgressDisplay) Completed() []CompletedStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompletedStep(nil), p.completedSteps...)
}

// Finish completes the progress display with final status.
func (p *ProgressDisplay) Finish(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopSpinner()

	fmt.Fprintln(p.out)

	switch status {
	case "completed":
		fmt.Fprintf(p.out, "%s Pipeline completed\n", StatusOK.Render(SymbolOK))
	case "partial":
		fmt.Fprintf(p.out, "%s Pipeline completed with failed steps\n", StatusWarn.Render(SymbolWarn))
	case "failed":
		fmt.Fprintf(p.out, "%s Pipeline failed\n", StatusError.Render(SymbolError))
	case "cancelled":
		fmt.Fprintf(p.out, "%s Pipeline cancelled\n", StatusWarn.Render(SymbolWarn))
	default:
		fmt.Fprintf(p.out, "Pipeline %s\n", status)
	}
}

// isInteractive returns true if we should use interactive mode.
func (p *ProgressDisplay) isInteractive() bool {
	return p.isTTY && !p.noProgress
}

// startSpinner begins the spinner animation goroutine.
func (p *ProgressDisplay) startSpinner() {
	if p.running {
		return
	}
	p.running = true
	p.done = make(chan struct{})
	p.frameIdx = 0

	p.renderSpinnerLine()

	done := p.done
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.mu.Lock()
				if p.running {
					p.frameIdx = (p.frameIdx + 1) % len(spinnerFrames)
					p.redrawSpinnerLine()
				}
				p.mu.Unlock()
			}
		}
	}()
}

// stopSpinner stops the spinner animation.
func (p *ProgressDisplay) stopSpinner() {
	if !p.running {
		return
	}
	p.running = false
	close(p.done)
}

// clearCurrentLines clears the spinner line and any log lines below it.
func (p *ProgressDisplay) clearCurrentLines() {
	fmt.Fprint(p.out, "\r\033[K")
	for i := 0; i < len(p.currentLogs); i++ {
		fmt.Fprint(p.out, "\033[A\033[K")
	}
}

// renderSpinnerLine renders the current spinner state.
func (p *ProgressDisplay) renderSpinnerLine() {
	elapsed := formatDuration(time.Since(p.stepStartTime))
	frame := spinnerFrames[p.frameIdx]

	// Format: "  ⠋ [2/4] Step Name...                    (3.0s)"
	stepDisplay := fmt.Sprintf("[%d/%d] %s...", p.stepIndex+1, p.totalSteps, p.currentStepName)
	line := fmt.Sprintf("  %s %s", StatusInfo.Render(frame), stepDisplay)

	padding := 60 - len(stepDisplay) - 4
	if padding < 2 {
		padding = 2
	}
	line += strings.Repeat(" ", padding) + Muted.Render("("+elapsed+")")

	fmt.Fprint(p.out, line)
}

// redrawSpinnerLine redraws the spinner line and, in verbose mode, its logs.
func (p *ProgressDisplay) redrawSpinnerLine() {
	if !p.isTTY {
		return
	}
	p.clearCurrentLines()
	p.renderSpinnerLine()
	for _, l := range p.currentLogs {
		fmt.Fprintf(p.out, "\n    %s %s", Muted.Render("│"), l)
	}
}

// printCompletedStep prints a finished step line.
func (p *ProgressDisplay) printCompletedStep(step CompletedStep) {
	symbol := StatusOK.Render(SymbolOK)
	if step.Status == "error" {
		symbol = StatusError.Render(SymbolError)
	}

	name := step.Name
	const maxNameLen = 35
	if len(name) > maxNameLen {
		name = name[:maxNameLen-3] + "..."
	}
	padding := maxNameLen - len(name)
	if padding < 1 {
		padding = 1
	}

	var notes []string
	if step.Inserted {
		notes = append(notes, "auto")
	}
	if step.Attempts > 1 {
		notes = append(notes, fmt.Sprintf("%d attempts", step.Attempts))
	}
	noteStr := ""
	if len(notes) > 0 {
		noteStr = "  " + Muted.Render(strings.Join(notes, ", "))
	}

	fmt.Fprintf(p.out, "  %s %s%s%s%s\n",
		symbol,
		name,
		strings.Repeat(" ", padding),
		Muted.Render("("+formatDuration(step.Duration)+")"),
		noteStr,
	)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		d = d.Round(100 * time.Millisecond)
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	d = d.Round(time.Second)
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
