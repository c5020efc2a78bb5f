package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const validScenario = `{
	"start_date": "2018-01-01T00:00:00",
	"simulation_duration": 10,
	"steps": 5,
	"min_altitude": 200,
	"max_altitude": 1400,
	"n_shells": 10,
	"launch_function": "constant",
	"integrator": "rk4",
	"density_model": "static_exp_dens_func",
	"LC": 0.1,
	"v_imp": 10
}`

const validSpecies = `{
	"S":  {"mass": 1250, "area": 12, "lambda": 50, "initial_population": 2000},
	"N":  {"mass": 0.5,  "area": 0.02},
	"Su": {"mass": 700,  "area": 8, "lambda": 20}
}`

func newEngine(t *testing.T, opts ...DebrisOption) *DebrisEngine {
	t.Helper()
	e, err := NewDebrisEngine(opts...)
	if err != nil {
		t.Fatalf("NewDebrisEngine: %v", err)
	}
	return e
}

func TestRunValidScenario(t *testing.T) {
	e := newEngine(t)

	var lastPct int
	var stages []string
	result, err := e.Run(context.Background(), []byte(validScenario), []byte(validSpecies),
		func(pct int, stage string) {
			if pct < lastPct {
				t.Errorf("progress went backwards: %d after %d", pct, lastPct)
			}
			lastPct = pct
			stages = append(stages, stage)
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if lastPct != 100 {
		t.Errorf("final progress = %d, want 100", lastPct)
	}
	if len(stages) == 0 || stages[0] != "starting" {
		t.Errorf("first stage = %v, want starting", stages)
	}

	var summary struct {
		NShells         int                `json:"n_shells"`
		FinalPopulation map[string]float64 `json:"final_population"`
	}
	if err := json.Unmarshal(result.Summary, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.NShells != 10 {
		t.Errorf("n_shells = %d, want 10", summary.NShells)
	}
	if len(summary.FinalPopulation) != 3 {
		t.Errorf("final_population has %d species, want 3", len(summary.FinalPopulation))
	}
	for name, pop := range summary.FinalPopulation {
		if pop < 0 {
			t.Errorf("species %s population = %v, must not be negative", name, pop)
		}
	}
}

func TestRunInvalidShellCount(t *testing.T) {
	e := newEngine(t)

	scenario := `{"start_date":"2018-01-01","simulation_duration":10,"steps":5,"min_altitude":200,"max_altitude":1400,"n_shells":-1}`
	_, err := e.Run(context.Background(), []byte(scenario), []byte(validSpecies), nil)

	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("Run error = %v, want *engine.Error", err)
	}
	if engErr.Stage != "configuration" {
		t.Errorf("Stage = %q, want configuration", engErr.Stage)
	}
}

func TestRunConfigValidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		scenario string
		species  string
	}{
		{"malformed scenario", `{"n_shells":`, validSpecies},
		{"zero steps", `{"simulation_duration":10,"steps":0,"min_altitude":200,"max_altitude":1400,"n_shells":5}`, validSpecies},
		{"inverted altitudes", `{"simulation_duration":10,"steps":5,"min_altitude":1400,"max_altitude":200,"n_shells":5}`, validSpecies},
		{"bad start date", `{"start_date":"not-a-date","simulation_duration":10,"steps":5,"min_altitude":200,"max_altitude":1400,"n_shells":5}`, validSpecies},
		{"empty species", validScenario, `{}`},
		{"malformed species", validScenario, `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Run(ctx, []byte(tt.scenario), []byte(tt.species), nil)
			var engErr *Error
			if !errors.As(err, &engErr) {
				t.Errorf("Run error = %v, want *engine.Error", err)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	e := newEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, []byte(validScenario), []byte(validSpecies), nil)
	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("Run error = %v, want *engine.Error", err)
	}
}

func TestWithLaunchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "launch.csv")
	if err := os.WriteFile(path, []byte("rate\n12.5\n8.0\n3.2\n"), 0o644); err != nil {
		t.Fatalf("write launch file: %v", err)
	}

	e := newEngine(t, WithLaunchFile(path))
	if len(e.launchRates) != 3 {
		t.Fatalf("launchRates = %v, want 3 entries", e.launchRates)
	}

	if _, err := e.Run(context.Background(), []byte(validScenario), []byte(validSpecies), nil); err != nil {
		t.Fatalf("Run with launch file: %v", err)
	}
}

func TestWithLaunchFileMissing(t *testing.T) {
	_, err := NewDebrisEngine(WithLaunchFile("/does/not/exist.csv"))
	if err == nil {
		t.Fatal("NewDebrisEngine with missing launch file: want error")
	}
}

func TestFileSink(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "results"))
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	ref, err := sink.Save(context.Background(), "job-1", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ref == "" {
		t.Fatal("Save returned empty ref")
	}

	path := ref[len("file://"):]
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result file: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("result file = %s, want original summary", data)
	}
}
