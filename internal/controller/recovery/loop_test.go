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

package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/autofix/internal/controller/capability"
	"github.com/tombee/autofix/internal/controller/executor"
	"github.com/tombee/autofix/internal/controller/observer"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/controller/store"
	"github.com/tombee/autofix/pkg/errors"
	"github.com/tombee/autofix/pkg/pipeline"
)

type fixture struct {
	store    *store.Store
	exec     *executor.PipelineExecutor
	registry *capability.Registry
	recorder *observer.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := observer.NewRecorder(0)
	s := store.New(store.WithObserver(rec))
	reg := capability.NewRegistry()
	if err := capability.RegisterBuiltins(reg, capability.BuiltinConfig{}); err != nil {
		t.Fatal(err)
	}
	_ = reg.Register("fail", capability.HandlerFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return nil, fmt.Errorf("always fails")
	}))
	return &fixture{
		store:    s,
		exec:     executor.NewPipelineExecutor(s, executor.NewStageExecutor(s, reg)),
		registry: reg,
		recorder: rec,
	}
}

// runOnce creates a run, admits it and executes the pipeline once.
func (f *fixture) runOnce(t *testing.T, id string, def *pipeline.Definition, stopped <-chan struct{}) *run.Run {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Create(ctx, run.New(id, def.Name, def.Version, "test", nil, time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Update(ctx, id, func(r *run.Run) error {
		return r.Transition(run.StateRunning, time.Now(), "")
	}); err != nil {
		t.Fatal(err)
	}
	r, err := f.exec.Execute(ctx, id, def, stopped)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func okFixer() Fixer {
	return FixerFunc(func(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
		return &run.FixPayload{Summary: "fix " + snap.Task, Patch: "--- a\n+++ b\n"}, nil
	})
}

func okApplier() Applier {
	return ApplierFunc(func(ctx context.Context, p *run.FixPayload) (*ApplyResult, error) {
		return &ApplyResult{Applied: true, Details: "patched"}, nil
	})
}

func failingPipeline(name string) *pipeline.Definition {
	return &pipeline.Definition{Name: name, Stages: []pipeline.Stage{
		{Name: "build", Tasks: []pipeline.Task{{Name: "compile", Action: "fail"}}},
	}}
}

func TestRecover_ScenarioA_FixedAfterTwoAttempts(t *testing.T) {
	f := newFixture(t)

	var installs atomic.Int32
	_ = f.registry.Register("install", capability.HandlerFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if installs.Add(1) <= 2 {
			return &capability.Result{Logs: "npm ERR! peer dep"}, fmt.Errorf("exit status 1")
		}
		return &capability.Result{}, nil
	}))

	def := &pipeline.Definition{Name: "webapp", Stages: []pipeline.Stage{
		{Name: "checkout", Tasks: []pipeline.Task{{Name: "clone", Action: "noop"}}},
		{Name: "install", Tasks: []pipeline.Task{{Name: "npm-install", Action: "install"}}},
		{Name: "compile", Tasks: []pipeline.Task{{Name: "tsc", Action: "noop"}}},
	}}

	var snapshots []run.FailureSnapshot
	fixer := FixerFunc(func(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
		snapshots = append(snapshots, snap)
		return &run.FixPayload{Summary: "pin dependency"}, nil
	})

	loop := New(f.store, f.exec, Config{AutoFix: true, MaxRetries: 3, FixTimeout: time.Second},
		WithFixer(fixer), WithApplier(okApplier()))

	r := f.runOnce(t, "a", def, nil)
	if r.State != run.StateFailed {
		t.Fatalf("first pass state = %s, want FAILED", r.State)
	}

	r, err := loop.Recover(context.Background(), "a", def, nil)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if r.State != run.StateSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", r.State)
	}
	if r.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", r.Attempt)
	}
	if len(r.FixAttempts) != 2 {
		t.Fatalf("fix attempts = %d, want 2", len(r.FixAttempts))
	}
	if v := r.FixAttempts[0].Verified; v == nil || *v {
		t.Errorf("first fix verified = %v, want false", v)
	}
	if v := r.FixAttempts[1].Verified; v == nil || !*v {
		t.Errorf("second fix verified = %v, want true", v)
	}
	for i, fa := range r.FixAttempts {
		if fa.Number != i+1 || !fa.Applied || fa.Snapshot.Task != "npm-install" {
			t.Errorf("fix attempt %d = %+v", i, fa)
		}
	}

	// checkout+install, checkout+install, then all three
	if len(r.Stages) != 7 {
		t.Errorf("stage results = %d, want 7", len(r.Stages))
	}
	if got := len(r.StagesForAttempt(2)); got != 3 {
		t.Errorf("final pass stages = %d, want 3", got)
	}

	if len(snapshots) != 2 || snapshots[0].Logs != "npm ERR! peer dep" || snapshots[1].Attempt != 2 {
		t.Errorf("snapshots = %+v", snapshots)
	}
}

func TestRecover_ScenarioB_FixerErrors(t *testing.T) {
	f := newFixture(t)
	def := failingPipeline("svc")
	fixer := FixerFunc(func(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
		return nil, fmt.Errorf("model unavailable")
	})
	loop := New(f.store, f.exec, Config{AutoFix: true, MaxRetries: 3}, WithFixer(fixer), WithApplier(okApplier()))

	f.runOnce(t, "b", def, nil)
	r, err := loop.Recover(context.Background(), "b", def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateEscalated || r.Attempt != 1 || len(r.FixAttempts) != 1 {
		t.Fatalf("run = %s attempt %d with %d fix attempts, want ESCALATED/1/1", r.State, r.Attempt, len(r.FixAttempts))
	}
	fa := r.FixAttempts[0]
	if fa.Applied || fa.Payload != nil || !strings.Contains(fa.Error, "model unavailable") {
		t.Errorf("fix attempt = %+v", fa)
	}
	if r.Failure == nil || r.Failure.Task != "compile" {
		t.Errorf("final failure snapshot = %+v", r.Failure)
	}
}

func TestRecover_Escalation(t *testing.T) {
	escalate := &pipeline.FailurePolicy{Action: pipeline.FailureEscalate}
	zero := 0

	tests := []struct {
		name       string
		cfg        Config
		noFixer    bool
		define     func(*pipeline.Definition)
		cancel     bool
		wantReason string
	}{
		{name: "max retries zero", cfg: Config{AutoFix: true, MaxRetries: 0}, wantReason: "fix retries exhausted"},
		{name: "auto-fix disabled", cfg: Config{AutoFix: false, MaxRetries: 3}, wantReason: "auto-fix disabled"},
		{name: "no fixer", cfg: Config{AutoFix: true, MaxRetries: 3}, noFixer: true, wantReason: "no fixer configured"},
		{
			name:       "stage policy escalates",
			cfg:        Config{AutoFix: true, MaxRetries: 3},
			define:     func(d *pipeline.Definition) { d.Stages[0].OnFailure = escalate },
			wantReason: "auto-fix disabled",
		},
		{
			name:       "pipeline policy caps retries",
			cfg:        Config{AutoFix: true, MaxRetries: 3},
			define:     func(d *pipeline.Definition) { d.OnFailure = &pipeline.FailurePolicy{MaxRetries: &zero} },
			wantReason: "fix retries exhausted",
		},
		{name: "cancellation requested", cfg: Config{AutoFix: true, MaxRetries: 3}, cancel: true, wantReason: "cancellation requested"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			def := failingPipeline("p")
			if tt.define != nil {
				tt.define(def)
			}

			var calls atomic.Int32
			fixer := FixerFunc(func(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
				calls.Add(1)
				return &run.FixPayload{Summary: "x"}, nil
			})
			opts := []Option{WithFixer(fixer), WithApplier(okApplier())}
			if tt.noFixer {
				opts = nil
			}
			loop := New(f.store, f.exec, tt.cfg, opts...)

			f.runOnce(t, "r", def, nil)

			var stopped chan struct{}
			if tt.cancel {
				stopped = make(chan struct{})
				close(stopped)
			}
			r, err := loop.Recover(context.Background(), "r", def, stopped)
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StateEscalated {
				t.Fatalf("state = %s, want ESCALATED", r.State)
			}
			if r.Attempt != 0 || len(r.FixAttempts) != 0 || calls.Load() != 0 {
				t.Errorf("attempt = %d, fix attempts = %d, fixer calls = %d; want none", r.Attempt, len(r.FixAttempts), calls.Load())
			}
			if r.Failure == nil {
				t.Error("escalated run must keep its failure snapshot")
			}
			last := r.Transitions[len(r.Transitions)-1]
			if last.From != run.StateFailed || !strings.Contains(last.Reason, tt.wantReason) {
				t.Errorf("last transition = %+v, want FAILED -> ESCALATED (%s)", last, tt.wantReason)
			}
		})
	}
}

func TestRecover_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	def := failingPipeline("p")
	loop := New(f.store, f.exec, Config{AutoFix: true, MaxRetries: 2}, WithFixer(okFixer()), WithApplier(okApplier()))

	f.runOnce(t, "r", def, nil)
	r, err := loop.Recover(context.Background(), "r", def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateEscalated || r.Attempt != 2 || len(r.FixAttempts) != 2 {
		t.Fatalf("run = %s attempt %d with %d fix attempts", r.State, r.Attempt, len(r.FixAttempts))
	}
	for _, fa := range r.FixAttempts {
		if fa.Verified == nil || *fa.Verified {
			t.Errorf("fix attempt %d verified = %v, want false", fa.Number, fa.Verified)
		}
	}

	// attempt never decreases and never exceeds the limit
	prev := 0
	for _, e := range f.recorder.Transitions("r") {
		if e.Attempt < prev || e.Attempt > 2 {
			t.Errorf("attempt went %d -> %d", prev, e.Attempt)
		}
		prev = e.Attempt
	}
}

func TestRecover_FixerTimeout(t *testing.T) {
	f := newFixture(t)
	def := failingPipeline("p")
	block := make(chan struct{})
	defer close(block)
	fixer := FixerFunc(func(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
		<-block // ignores ctx
		return nil, nil
	})
	loop := New(f.store, f.exec, Config{AutoFix: true, MaxRetries: 3, FixTimeout: 20 * time.Millisecond},
		WithFixer(fixer), WithApplier(okApplier()))

	f.runOnce(t, "r", def, nil)

	start := time.Now()
	r, err := loop.Recover(context.Background(), "r", def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("fix timeout not enforced")
	}
	if r.State != run.StateEscalated || len(r.FixAttempts) != 1 {
		t.Fatalf("run = %s with %d fix attempts", r.State, len(r.FixAttempts))
	}
	if !strings.Contains(r.FixAttempts[0].Error, "timeout") {
		t.Errorf("fix attempt error = %q", r.FixAttempts[0].Error)
	}
}

func TestRecover_ApplyFailures(t *testing.T) {
	tests := []struct {
		name    string
		applier Applier
		want    string
	}{
		{
			name: "not applied",
			applier: ApplierFunc(func(ctx context.Context, p *run.FixPayload) (*ApplyResult, error) {
				return &ApplyResult{Applied: false, Details: "patch does not apply"}, nil
			}),
			want: "fix was not applied",
		},
		{
			name: "error",
			applier: ApplierFunc(func(ctx context.Context, p *run.FixPayload) (*ApplyResult, error) {
				return nil, fmt.Errorf("git apply: conflict")
			}),
			want: "git apply: conflict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			def := failingPipeline("p")
			loop := New(f.store, f.exec, Config{AutoFix: true, MaxRetries: 3}, WithFixer(okFixer()), WithApplier(tt.applier))

			f.runOnce(t, "r", def, nil)
			r, err := loop.Recover(context.Background(), "r", def, nil)
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StateEscalated || len(r.FixAttempts) != 1 {
				t.Fatalf("run = %s with %d fix attempts", r.State, len(r.FixAttempts))
			}
			fa := r.FixAttempts[0]
			if fa.Applied || fa.Payload == nil || fa.Verified != nil {
				t.Errorf("fix attempt = %+v", fa)
			}
			if !strings.Contains(fa.Error, "fix apply failed") || !strings.Contains(fa.Error, tt.want) {
				t.Errorf("fix attempt error = %q, want apply error containing %q", fa.Error, tt.want)
			}
		})
	}
}

func TestRecover_NotFailed(t *testing.T) {
	f := newFixture(t)
	def := &pipeline.Definition{Name: "p", Stages: []pipeline.Stage{{Name: "s", Tasks: []pipeline.Task{{Name: "t", Action: "noop"}}}}}
	loop := New(f.store, f.exec, Config{AutoFix: true, MaxRetries: 3}, WithFixer(okFixer()), WithApplier(okApplier()))

	f.runOnce(t, "r", def, nil)
	r, err := loop.Recover(context.Background(), "r", def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateSucceeded || len(r.FixAttempts) != 0 {
		t.Errorf("run = %s with %d fix attempts", r.State, len(r.FixAttempts))
	}

	if _, err := loop.Recover(context.Background(), "missing", def, nil); err == nil {
		t.Error("Recover() on unknown run should fail")
	}
}

func TestRecover_CancelAfterFix(t *testing.T) {
	f := newFixture(t)
	def := failingPipeline("p")
	stopped := make(chan struct{})
	applier := ApplierFunc(func(ctx context.Context, p *run.FixPayload) (*ApplyResult, error) {
		close(stopped) // cancel arrives while FIXING
		return &ApplyResult{Applied: true}, nil
	})
	loop := New(f.store, f.exec, Config{AutoFix: true, MaxRetries: 3}, WithFixer(okFixer()), WithApplier(applier))

	f.runOnce(t, "r", def, nil)
	r, err := loop.Recover(context.Background(), "r", def, stopped)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", r.State)
	}
	for _, tr := range r.Transitions {
		if tr.From == run.StateFixing && tr.To == run.StateCancelled {
			t.Error("FIXING must not transition to CANCELLED directly")
		}
	}
}

func TestBreakerFixer(t *testing.T) {
	var calls atomic.Int32
	failing := FixerFunc(func(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
		calls.Add(1)
		return nil, fmt.Errorf("upstream 503")
	})
	b := NewBreakerFixer(failing, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		if _, err := b.ProposeFix(context.Background(), run.FailureSnapshot{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != "open" {
		t.Fatalf("breaker state = %s, want open", b.State())
	}

	_, err := b.ProposeFix(context.Background(), run.FailureSnapshot{})
	var fixerErr *errors.FixerError
	if !errors.As(err, &fixerErr) || fixerErr.Reason != "fixer unavailable" {
		t.Errorf("open breaker error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("fixer called %d times, want 2", calls.Load())
	}

	ok := NewBreakerFixer(okFixer(), BreakerConfig{})
	p, err := ok.ProposeFix(context.Background(), run.FailureSnapshot{Task: "t"})
	if err != nil || p.Summary != "fix t" {
		t.Errorf("ProposeFix() = %+v, %v", p, err)
	}
}

func TestCommandFixer(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		wantErr string
		want    string
	}{
		{
			name:    "reads snapshot and returns payload",
			command: []string{"sh", "-c", `read -r line; case "$line" in *'"task":"install"'*) echo '{"summary":"bump lockfile","patch":"diff"}';; *) exit 2;; esac`},
			want:    "bump lockfile",
		},
		{name: "non-zero exit", command: []string{"sh", "-c", "echo no model >&2; exit 1"}, wantErr: "no model"},
		{name: "invalid json", command: []string{"sh", "-c", "cat >/dev/null; echo nope"}, wantErr: "decoding fix payload"},
		{name: "empty fix", command: []string{"sh", "-c", "cat >/dev/null; echo '{}'"}, wantErr: "empty fix"},
		{name: "no command", wantErr: "command is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &CommandFixer{Command: tt.command}
			p, err := c.ProposeFix(context.Background(), run.FailureSnapshot{RunID: "r", Task: "install"})
			if tt.wantErr != "" {
				var fixerErr *errors.FixerError
				if !errors.As(err, &fixerErr) || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("ProposeFix() error = %v, want FixerError containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.Summary != tt.want {
				t.Errorf("Summary = %q, want %q", p.Summary, tt.want)
			}
		})
	}
}

func TestCommandApplier(t *testing.T) {
	dir := t.TempDir()

	ok := &CommandApplier{Command: []string{"sh", "-c", "cat > applied.patch; echo applied"}, Dir: dir}
	res, err := ok.Apply(context.Background(), &run.FixPayload{Patch: "--- a\n"})
	if err != nil || !res.Applied || res.Details != "applied" {
		t.Fatalf("Apply() = %+v, %v", res, err)
	}

	// without a patch the payload is sent as JSON
	res, err = ok.Apply(context.Background(), &run.FixPayload{Summary: "s", Files: map[string]string{"a.txt": "x"}})
	if err != nil || !res.Applied {
		t.Fatalf("Apply(json) = %+v, %v", res, err)
	}

	bad := &CommandApplier{Command: []string{"sh", "-c", "cat >/dev/null; echo conflict >&2; exit 1"}, Dir: dir}
	res, err = bad.Apply(context.Background(), &run.FixPayload{Patch: "x"})
	var applyErr *errors.ApplyError
	if !errors.As(err, &applyErr) || res.Applied || applyErr.Details != "conflict" {
		t.Errorf("Apply() = %+v, %v", res, err)
	}
}
