package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// scenarioProperties is the configuration block accepted by the debris
// engine. Field names follow the pyssem scenario layout.
type scenarioProperties struct {
	StartDate          string  `json:"start_date"`
	SimulationDuration float64 `json:"simulation_duration"`
	Steps              int     `json:"steps"`
	MinAltitude        float64 `json:"min_altitude"`
	MaxAltitude        float64 `json:"max_altitude"`
	NShells            int     `json:"n_shells"`
	LaunchFunction     string  `json:"launch_function"`
	Integrator         string  `json:"integrator"`
	DensityModel       string  `json:"density_model"`
	LC                 float64 `json:"LC"`
	VImp               float64 `json:"v_imp"`
}

// speciesProperties describes one tracked object population.
type speciesProperties struct {
	Mass       float64 `json:"mass"`
	Area       float64 `json:"area"`
	LaunchRate float64 `json:"lambda"`
	Initial    float64 `json:"initial_population"`
}

// DebrisEngine is the built-in source/sink orbital debris model: object
// populations evolve per altitude shell under launch traffic, atmospheric
// decay, and collision-generated fragments.
type DebrisEngine struct {
	launchRates []float64
}

// DebrisOption configures a DebrisEngine.
type DebrisOption func(*DebrisEngine) error

// WithLaunchFile loads per-shell launch traffic rates from a CSV file, one
// rate per row in the first column. Rates cycle if the file has fewer rows
// than the scenario has shells.
func WithLaunchFile(path string) DebrisOption {
	return func(e *DebrisEngine) error {
		rates, err := loadLaunchRates(path)
		if err != nil {
			return fmt.Errorf("load launch file %s: %w", path, err)
		}
		e.launchRates = rates
		return nil
	}
}

// NewDebrisEngine creates the built-in debris engine.
func NewDebrisEngine(opts ...DebrisOption) (*DebrisEngine, error) {
	e := &DebrisEngine{}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Compile-time interface satisfaction check.
var _ Engine = (*DebrisEngine)(nil)

// Run executes the shell model. Configuration problems surface as *Error so
// the caller can record them on the job instead of crashing.
func (e *DebrisEngine) Run(ctx context.Context, scenario, species json.RawMessage, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	progress(1, "starting")

	props, err := parseScenario(scenario)
	if err != nil {
		return nil, err
	}
	progress(20, "loading model")

	pops, names, err := parseSpecies(species)
	if err != nil {
		return nil, err
	}
	progress(40, "configuring species")

	// state[species][shell] = object count
	state := make(map[string][]float64, len(names))
	for _, name := range names {
		shells := make([]float64, props.NShells)
		for i := range shells {
			shells[i] = pops[name].Initial / float64(props.NShells)
		}
		state[name] = shells
	}

	dt := props.SimulationDuration / float64(props.Steps)
	shellHeight := (props.MaxAltitude - props.MinAltitude) / float64(props.NShells)
	var collisions float64

	for step := 0; step < props.Steps; step++ {
		select {
		case <-ctx.Done():
			return nil, failf("integration", "run interrupted: %v", ctx.Err())
		default:
		}

		for _, name := range names {
			sp := pops[name]
			shells := state[name]
			for i := range shells {
				altitude := props.MinAltitude + (float64(i)+0.5)*shellHeight
				launch := e.launchRate(sp, props, i) * dt
				decay := shells[i] * decayRate(altitude, props.DensityModel, sp) * dt
				frag := collisionFragments(shells[i], shellHeight, props) * dt
				collisions += frag
				shells[i] += launch - decay + frag
				if shells[i] < 0 {
					shells[i] = 0
				}
			}
		}

		progress(40+int(55*float64(step+1)/float64(props.Steps)), "propagating shells")
	}

	summary, err := json.Marshal(map[string]any{
		"start_date":       props.StartDate,
		"duration_years":   props.SimulationDuration,
		"n_shells":         props.NShells,
		"integrator":       props.Integrator,
		"total_collisions": collisions,
		"final_population": finalPopulation(state),
	})
	if err != nil {
		return nil, failf("summary", "marshal result: %v", err)
	}

	progress(100, "completed")
	return &Result{Summary: summary}, nil
}

func (e *DebrisEngine) launchRate(sp speciesProperties, props *scenarioProperties, shell int) float64 {
	rate := sp.LaunchRate
	if len(e.launchRates) > 0 {
		rate += e.launchRates[shell%len(e.launchRates)]
	}
	if props.LaunchFunction == "constant" || props.LaunchFunction == "" {
		return rate
	}
	// Any other launch function tapers traffic toward higher shells.
	return rate / float64(shell+1)
}

// decayRate approximates atmospheric drag: denser air and lighter objects
// decay faster, falling off exponentially with altitude.
func decayRate(altitude float64, densityModel string, sp speciesProperties) float64 {
	scale := 200.0
	if densityModel == "JB2008_dens_func" {
		scale = 250.0
	}
	ballistic := 1.0
	if sp.Mass > 0 && sp.Area > 0 {
		ballistic = sp.Area / sp.Mass
	}
	return ballistic * math.Exp(-altitude/scale)
}

func collisionFragments(population, shellHeight float64, props *scenarioProperties) float64 {
	volume := shellHeight * 1e3
	if volume <= 0 {
		return 0
	}
	return population * population * props.VImp * props.LC / (volume * 1e6)
}

func finalPopulation(state map[string][]float64) map[string]float64 {
	totals := make(map[string]float64, len(state))
	for name, shells := range state {
		var sum float64
		for _, n := range shells {
			sum += n
		}
		totals[name] = math.Round(sum*100) / 100
	}
	return totals
}

func parseScenario(raw json.RawMessage) (*scenarioProperties, error) {
	if len(raw) == 0 {
		return nil, failf("configuration", "scenario properties are required")
	}
	props := &scenarioProperties{}
	if err := json.Unmarshal(raw, props); err != nil {
		return nil, failf("configuration", "malformed scenario properties: %v", err)
	}
	if props.NShells <= 0 {
		return nil, failf("configuration", "n_shells must be positive, got %d", props.NShells)
	}
	if props.Steps <= 0 {
		return nil, failf("configuration", "steps must be positive, got %d", props.Steps)
	}
	if props.SimulationDuration <= 0 {
		return nil, failf("configuration", "simulation_duration must be positive, got %v", props.SimulationDuration)
	}
	if props.MaxAltitude <= props.MinAltitude {
		return nil, failf("configuration", "max_altitude %v must exceed min_altitude %v", props.MaxAltitude, props.MinAltitude)
	}
	if props.StartDate != "" {
		// Dates may arrive in ISO form with a time component.
		datePart, _, _ := strings.Cut(props.StartDate, "T")
		if _, err := time.Parse("2006-01-02", datePart); err != nil {
			return nil, failf("configuration", "invalid start_date %q", props.StartDate)
		}
	}
	return props, nil
}

func parseSpecies(raw json.RawMessage) (map[string]speciesProperties, []string, error) {
	if len(raw) == 0 {
		return nil, nil, failf("configuration", "species configuration is required")
	}
	var parsed map[string]speciesProperties
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, failf("configuration", "malformed species configuration: %v", err)
	}
	if len(parsed) == 0 {
		return nil, nil, failf("configuration", "at least one species is required")
	}

	names := make([]string, 0, len(parsed))
	for name, sp := range parsed {
		if sp.Initial <= 0 {
			sp.Initial = 100
			parsed[name] = sp
		}
		names = append(names, name)
	}
	// Deterministic iteration order across runs.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return parsed, names, nil
}

func loadLaunchRates(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	var rates []float64
	for i, rec := range records {
		if len(rec) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			if i == 0 {
				continue // header row
			}
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		rates = append(rates, v)
	}
	return rates, nil
}
