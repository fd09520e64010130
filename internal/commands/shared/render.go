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
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tombee/autofix/internal/cli/format"
	"github.com/tombee/autofix/internal/controller/run"
)

var column = lipgloss.NewStyle().PaddingRight(2)

func cell(s string, width int) string {
	return column.Width(width + 2).Render(format.Truncate(s, width))
}

func outcomeSymbol(o run.Outcome) string {
	switch o {
	case run.OutcomeSuccess:
		return StatusOK.Render(SymbolOK)
	case run.OutcomeFailure:
		return StatusError.Render(SymbolError)
	default:
		return Muted.Render(SymbolInfo)
	}
}

// RenderRun writes a human-readable report of a live run.
func RenderRun(w io.Writer, r *run.Run, now time.Time) {
	fmt.Fprintf(w, "%s %s\n", Header.Render("Run"), r.ID)
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("pipeline:"), r.Pipeline)
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("state:   "), RenderState(r.State))
	fmt.Fprintf(w, "  %s %d\n", RenderLabel("attempt: "), r.Attempt)
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("duration:"), format.Duration(r.Duration(now)))
	if r.Trigger != "" {
		fmt.Fprintf(w, "  %s %s\n", RenderLabel("trigger: "), r.Trigger)
	}

	if len(r.Stages) > 0 {
		fmt.Fprintf(w, "\n%s\n", Header.Render("Stages"))
		for _, s := range r.Stages {
			fmt.Fprintf(w, "  %s %s%s %s\n",
				outcomeSymbol(s.Outcome),
				cell(s.Stage, 20),
				Muted.Render(fmt.Sprintf("#%d", s.Attempt)),
				Muted.Render(format.Duration(s.Duration)))
			for _, t := range s.Tasks {
				line := fmt.Sprintf("      %s %s", outcomeSymbol(t.Outcome), cell(t.Task, 24))
				if t.Error != "" {
					line += StatusError.Render(format.Truncate(format.FirstLine(t.Error), 60))
				}
				fmt.Fprintln(w, line)
			}
		}
	}

	if len(r.FixAttempts) > 0 {
		fmt.Fprintf(w, "\n%s\n", Header.Render("Fix attempts"))
		RenderFixAttempts(w, r.FixAttempts)
	}

	if r.State == run.StateEscalated && r.Failure != nil {
		fmt.Fprintf(w, "\n%s\n", Header.Render("Failure"))
		fmt.Fprintf(w, "  %s %s / %s\n", RenderLabel("at:   "), r.Failure.Stage, r.Failure.Task)
		fmt.Fprintf(w, "  %s %s\n", RenderLabel("error:"), format.FirstLine(r.Failure.Error))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "\n%s\n", RenderError(r.Error))
	}
}

// RenderFixAttempts writes one line per fix attempt.
func RenderFixAttempts(w io.Writer, attempts []run.FixAttempt) {
	for _, fa := range attempts {
		status := StatusWarn.Render("not applied")
		switch {
		case fa.Error != "":
			status = StatusError.Render(format.Truncate(fa.Error, 50))
		case fa.Verified != nil && *fa.Verified:
			status = StatusOK.Render("verified")
		case fa.Verified != nil:
			status = StatusError.Render("did not fix")
		case fa.Applied:
			status = StatusInfo.Render("applied")
		}
		summary := ""
		if fa.Payload != nil {
			summary = fa.Payload.Summary
		}
		fmt.Fprintf(w, "  %s %s%s\n", cell(fmt.Sprintf("#%d %s", fa.Number, fa.Snapshot.Stage), 22), cell(summary, 40), status)
	}
}

// RenderSummary writes the compact record of an evicted run.
func RenderSummary(w io.Writer, s *run.Summary, attempts []run.FixAttempt) {
	fmt.Fprintf(w, "%s %s %s\n", Header.Render("Run"), s.ID, Muted.Render("(archived)"))
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("pipeline:"), s.Pipeline)
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("state:   "), RenderState(s.State))
	fmt.Fprintf(w, "  %s %d\n", RenderLabel("attempt: "), s.Attempt)
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("duration:"), format.Duration(s.Duration))
	if s.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", RenderLabel("error:   "), s.Error)
	}
	if len(attempts) > 0 {
		fmt.Fprintf(w, "\n%s\n", Header.Render("Fix attempts"))
		RenderFixAttempts(w, attempts)
	}
}

// RenderHistory writes a table of run summaries.
func RenderHistory(w io.Writer, pipeline string, runs []run.Summary, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs of %s.\n", pipeline)
		return
	}
	fmt.Fprintln(w, Bold.Render(cell("RUN", 36)+cell("STATE", 10)+cell("FIXES", 5)+cell("DURATION", 8)+"STARTED"))
	for _, s := range runs {
		fmt.Fprintf(w, "%s%s%s%s%s\n",
			cell(s.ID, 36),
			StateStyle(s.State).Inherit(column).Width(12).Render(string(s.State)),
			cell(fmt.Sprintf("%d", s.FixAttempts), 5),
			cell(format.Duration(s.Duration), 8),
			format.Age(s.CreatedAt, now))
	}
	if rate, finished := run.SuccessRate(runs); finished > 0 {
		fmt.Fprintf(w, "\nSuccess rate: %.1f%% of %d finished run(s)\n", rate, finished)
	}
}
