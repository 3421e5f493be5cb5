package cellbench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"

	"cellbench/internal/cycler"
	"cellbench/internal/history"
)

var Bench = resource.NewModel("cellbench", "multicell-testbench", "bench")

func init() {
	resource.RegisterService(generic.API, Bench,
		resource.Registration[resource.Resource, *BenchConfig]{
			Constructor: newBench,
		},
	)
}

var (
	ErrBenchBusy   = errors.New("a test is already running on this bench")
	ErrNoActiveRun = errors.New("no test running")
)

const (
	defaultMaxCell      = 50
	defaultStepDuration = time.Second
)

type BenchConfig struct {
	Station         string `json:"station"`      // REQUIRED: name of the shared station service
	BenchNumber     int    `json:"bench_number"` // REQUIRED: 1..127, selects the CAN ids
	MaxCell         int    `json:"max_cell,omitempty"`
	StepDurationMs  int    `json:"step_duration_ms,omitempty"`  // upper bound per step (default: 1000)
	StepDurationsMs []int  `json:"step_durations_ms,omitempty"` // optional per-step override, exactly 4

	ChargeCurrentA    float64 `json:"charge_current_a,omitempty"`
	DischargeCurrentA float64 `json:"discharge_current_a,omitempty"`
	VoltageMaxV       float64 `json:"voltage_max_v,omitempty"`
	VoltageMinV       float64 `json:"voltage_min_v,omitempty"`
	CutoffCurrentA    float64 `json:"cutoff_current_a,omitempty"`
	PulseCurrentA     float64 `json:"pulse_current_a,omitempty"`
}

func (cfg *BenchConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Station == "" {
		return nil, nil, fmt.Errorf("%s: station is required", path)
	}
	if cfg.BenchNumber < 1 || cfg.BenchNumber > cycler.MaxBench {
		return nil, nil, fmt.Errorf("%s: bench_number must be between 1 and %d", path, cycler.MaxBench)
	}
	if cfg.MaxCell < 0 || cfg.MaxCell > 255 {
		return nil, nil, fmt.Errorf("%s: max_cell must be between 1 and 255", path)
	}
	if cfg.StepDurationMs < 0 {
		return nil, nil, fmt.Errorf("%s: step_duration_ms must be positive", path)
	}
	if len(cfg.StepDurationsMs) != 0 && len(cfg.StepDurationsMs) != StepsPerTest {
		return nil, nil, fmt.Errorf("%s: step_durations_ms needs exactly %d entries", path, StepsPerTest)
	}
	for _, d := range cfg.StepDurationsMs {
		if d <= 0 {
			return nil, nil, fmt.Errorf("%s: step_durations_ms entries must be positive", path)
		}
	}
	for _, v := range []float64{cfg.ChargeCurrentA, cfg.DischargeCurrentA, cfg.VoltageMaxV, cfg.VoltageMinV, cfg.CutoffCurrentA, cfg.PulseCurrentA} {
		if v < 0 {
			return nil, nil, fmt.Errorf("%s: setpoints must not be negative", path)
		}
	}
	if cfg.VoltageMaxV > 0 && cfg.VoltageMinV > 0 && cfg.VoltageMinV >= cfg.VoltageMaxV {
		return nil, nil, fmt.Errorf("%s: voltage_min_v must be below voltage_max_v", path)
	}
	// Return full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Station)
	return []string{dep.String()}, nil, nil
}

func (cfg *BenchConfig) setpoints() Setpoints {
	sp := DefaultSetpoints()
	override := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	override(&sp.ChargeCurrent, cfg.ChargeCurrentA)
	override(&sp.DischargeCurrent, cfg.DischargeCurrentA)
	override(&sp.VoltageMax, cfg.VoltageMaxV)
	override(&sp.VoltageMin, cfg.VoltageMinV)
	override(&sp.CutoffCurrent, cfg.CutoffCurrentA)
	override(&sp.PulseCurrent, cfg.PulseCurrentA)
	return sp
}

func (cfg *BenchConfig) stepDurations() [StepsPerTest]time.Duration {
	var out [StepsPerTest]time.Duration
	d := defaultStepDuration
	if cfg.StepDurationMs > 0 {
		d = time.Duration(cfg.StepDurationMs) * time.Millisecond
	}
	for i := range out {
		out[i] = d
		if len(cfg.StepDurationsMs) == StepsPerTest {
			out[i] = time.Duration(cfg.StepDurationsMs[i]) * time.Millisecond
		}
	}
	return out
}

// RunState is the outcome of a finished run.
type RunState string

const (
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunStopped   RunState = "stopped"
)

// RunResult describes one run of a test sequence on a bench.
type RunResult struct {
	ID         string
	Bench      int
	Cell       int
	TestType   TestType
	State      RunState
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []StepResult
	Err        error
}

// LastReading is the telemetry seen at the end of the last executed step.
func (r *RunResult) LastReading() (cycler.Reading, bool) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].HasReading {
			return r.Steps[i].Reading, true
		}
	}
	return cycler.Reading{}, false
}

func (r *RunResult) historyRun() history.Run {
	out := history.Run{
		ID:         r.ID,
		Bench:      r.Bench,
		Cell:       r.Cell,
		TestType:   r.TestType.Key(),
		State:      string(r.State),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Steps:      len(r.Steps),
	}
	if reading, ok := r.LastReading(); ok {
		out.Voltage = reading.Voltage
		out.Temperature = reading.Temperature
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

func (r *RunResult) toMap() map[string]interface{} {
	out := map[string]interface{}{
		"run_id":          r.ID,
		"state":           string(r.State),
		"bench":           r.Bench,
		"cell":            r.Cell,
		"test_type":       r.TestType.Key(),
		"steps_completed": r.completedSteps(),
		"duration_ms":     r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	if reading, ok := r.LastReading(); ok {
		out["voltage"] = reading.Voltage
		out["temperature"] = reading.Temperature
	}
	return out
}

func (r *RunResult) completedSteps() int {
	if r.State == RunCompleted {
		return len(r.Steps)
	}
	if len(r.Steps) == 0 {
		return 0
	}
	return len(r.Steps) - 1
}

// RunUpdate is passed to a ProgressFunc as a run advances.
type RunUpdate struct {
	Bench    int
	Cell     int
	TestType TestType
	Percent  int // 25, 50, 75 or 100 after a step; -1 for status-only updates
	Status   string
}

// ProgressFunc receives a status-only update when the run starts, one update
// per finished step carrying its fixed percentage, and a final status-only
// update when the run completes, fails or is stopped.
type ProgressFunc func(RunUpdate)

// TestRunner runs a test sequence synchronously.
type TestRunner interface {
	RunTest(ctx context.Context, testType TestType, cell int, onProgress ProgressFunc) (*RunResult, error)
}

type activeRun struct {
	id       string
	testType TestType
	cell     int
	started  time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

type testBench struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *BenchConfig

	number    int
	maxCell   int
	durations [StepsPerTest]time.Duration
	setpoints Setpoints
	station   stepExecutor

	mu       sync.Mutex
	active   *activeRun
	progress int
	status   string
	last     *RunResult

	wg         sync.WaitGroup
	cancelCtx  context.Context
	cancelFunc func()
}

func newBench(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*BenchConfig](rawConf)
	if err != nil {
		return nil, err
	}

	return NewBench(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewBench(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *BenchConfig, logger logging.Logger) (resource.Resource, error) {
	stationName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Station)
	dep, ok := deps[stationName]
	if !ok {
		return nil, fmt.Errorf("station %q not found in dependencies", conf.Station)
	}
	st, ok := dep.(stepExecutor)
	if !ok {
		return nil, fmt.Errorf("%q is not a test bench station", conf.Station)
	}

	maxCell := conf.MaxCell
	if maxCell <= 0 {
		maxCell = defaultMaxCell
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	b := &testBench{
		name:       name,
		logger:     logger,
		cfg:        conf,
		number:     conf.BenchNumber,
		maxCell:    maxCell,
		durations:  conf.stepDurations(),
		setpoints:  conf.setpoints(),
		station:    st,
		status:     "idle",
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	return b, nil
}

func (b *testBench) Name() resource.Name {
	return b.name
}

// claim reserves the bench for a new run. The returned context is cancelled
// by stop, by Close, or when parent is done.
func (b *testBench) claim(parent context.Context, testType TestType, cell int) (*activeRun, context.Context, error) {
	if cell < 1 || cell > b.maxCell {
		return nil, nil, fmt.Errorf("cell number %d out of range [1, %d]", cell, b.maxCell)
	}
	if _, err := Steps(testType, b.setpoints); err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		return nil, nil, fmt.Errorf("test bench %d: %w (%s on cell %d)", b.number, ErrBenchBusy, b.active.testType, b.active.cell)
	}

	runCtx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(b.cancelCtx, cancel)
	run := &activeRun{
		id:       uuid.NewString(),
		testType: testType,
		cell:     cell,
		started:  time.Now(),
		cancel: func() {
			stop()
			cancel()
		},
		done: make(chan struct{}),
	}
	b.active = run
	b.progress = 0
	b.wg.Add(1)
	return run, runCtx, nil
}

func (b *testBench) setStatus(status string, progress int) {
	b.mu.Lock()
	b.status = status
	if progress >= 0 {
		b.progress = progress
	}
	b.mu.Unlock()
}

// execute runs the claimed sequence to completion and releases the bench.
func (b *testBench) execute(ctx context.Context, run *activeRun, onProgress ProgressFunc) (*RunResult, error) {
	result := &RunResult{
		ID:        run.id,
		Bench:     b.number,
		Cell:      run.cell,
		TestType:  run.testType,
		StartedAt: run.started,
	}
	defer func() {
		run.cancel()
		b.mu.Lock()
		b.active = nil
		b.last = result
		b.mu.Unlock()
		close(run.done)
		b.wg.Done()
	}()

	notify := func(percent int, status string) {
		b.setStatus(status, percent)
		if onProgress != nil {
			onProgress(RunUpdate{Bench: b.number, Cell: run.cell, TestType: run.testType, Percent: percent, Status: status})
		}
	}

	steps, _ := Steps(run.testType, b.setpoints)
	b.logger.Infof("Starting %s on Test Bench: %d, Cell: %d", run.testType, b.number, run.cell)
	notify(-1, fmt.Sprintf("Starting %s on Test Bench: %d, Cell: %d", run.testType, b.number, run.cell))

	var runErr error
	for i, step := range steps {
		res, err := b.station.Execute(ctx, b.number, run.cell, i, step, b.durations[i])
		result.Steps = append(result.Steps, res)
		if err != nil {
			runErr = fmt.Errorf("%s on test bench %d, step %q: %w", run.testType, b.number, step.Name, err)
			break
		}
		notify(Progress(i+1), fmt.Sprintf("%s finished (%d/%d)", step.Name, i+1, StepsPerTest))
	}

	result.FinishedAt = time.Now()
	switch {
	case runErr == nil:
		result.State = RunCompleted
		b.logger.Infof("%s completed on Test Bench: %d, Cell: %d", run.testType, b.number, run.cell)
		notify(-1, fmt.Sprintf("%s completed on Test Bench: %d, Cell: %d", run.testType, b.number, run.cell))
	case ctx.Err() != nil:
		result.State = RunStopped
		result.Err = runErr
		b.logger.Warnf("%s stopped on Test Bench: %d, Cell: %d", run.testType, b.number, run.cell)
		notify(-1, fmt.Sprintf("%s stopped on Test Bench: %d, Cell: %d", run.testType, b.number, run.cell))
	default:
		result.State = RunFailed
		result.Err = runErr
		b.logger.Errorf("%v", runErr)
		notify(-1, fmt.Sprintf("%s failed on Test Bench: %d, Cell: %d", run.testType, b.number, run.cell))
	}

	if result.State != RunCompleted {
		offCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.station.OutputOff(offCtx, b.number, run.cell); err != nil {
			b.logger.Warnf("switching output off on test bench %d: %v", b.number, err)
		}
		cancel()
	}

	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.station.Record(recordCtx, result); err != nil {
		b.logger.Warnf("recording run %s: %v", result.ID, err)
	}

	return result, runErr
}

// RunTest runs testType on cell and blocks until it finishes.
func (b *testBench) RunTest(ctx context.Context, testType TestType, cell int, onProgress ProgressFunc) (*RunResult, error) {
	run, runCtx, err := b.claim(ctx, testType, cell)
	if err != nil {
		return nil, err
	}
	return b.execute(runCtx, run, onProgress)
}

// startTest runs testType in its own goroutine and returns the run id.
func (b *testBench) startTest(testType TestType, cell int) (string, error) {
	run, runCtx, err := b.claim(context.Background(), testType, cell)
	if err != nil {
		return "", err
	}
	go b.execute(runCtx, run, nil)
	return run.id, nil
}

func (b *testBench) stop(ctx context.Context) (string, error) {
	b.mu.Lock()
	run := b.active
	b.mu.Unlock()
	if run == nil {
		return "", fmt.Errorf("test bench %d: %w", b.number, ErrNoActiveRun)
	}

	run.cancel()
	select {
	case <-run.done:
		return run.id, nil
	case <-ctx.Done():
		return run.id, ctx.Err()
	}
}

// waitIdle blocks until the bench has no active run.
func (b *testBench) waitIdle(ctx context.Context) error {
	b.mu.Lock()
	run := b.active
	b.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetState reports what the bench is doing, in the shape the bench sensor
// publishes.
func (b *testBench) GetState() map[string]interface{} {
	b.mu.Lock()
	state := map[string]interface{}{
		"state":    "idle",
		"bench":    b.number,
		"progress": b.progress,
		"status":   b.status,
	}
	if b.active != nil {
		state["state"] = "running"
		state["run_id"] = b.active.id
		state["cell"] = b.active.cell
		state["test_type"] = b.active.testType.Key()
		state["test_name"] = b.active.testType.String()
	}
	if b.last != nil {
		state["last_run_id"] = b.last.ID
		state["last_run_state"] = string(b.last.State)
		state["last_test_type"] = b.last.TestType.Key()
		state["last_cell"] = b.last.Cell
	}
	b.mu.Unlock()

	if r, ok := b.station.Telemetry(b.number); ok {
		state["voltage"] = r.Voltage
		state["current"] = r.Current
		state["temperature"] = r.Temperature
		state["cycler_mode"] = r.Mode.String()
	}
	return state
}

func (b *testBench) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "run_test":
		return b.handleRunTest(ctx, cmd)
	case "stop":
		id, err := b.stop(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "stopped", "run_id": id}, nil
	case "wait":
		if err := b.waitIdle(ctx); err != nil {
			return nil, err
		}
		return b.GetState(), nil
	case "status":
		return b.GetState(), nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (b *testBench) handleRunTest(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["test_type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'test_type' field")
	}
	testType, err := ParseTestType(name)
	if err != nil {
		return nil, err
	}
	cell, ok := intArg(cmd, "cell")
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'cell' field")
	}

	if wait, _ := cmd["wait"].(bool); wait {
		result, err := b.RunTest(ctx, testType, cell, nil)
		if result == nil {
			return nil, err
		}
		return result.toMap(), err
	}

	id, err := b.startTest(testType, cell)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "started", "run_id": id}, nil
}

func (b *testBench) Close(context.Context) error {
	b.cancelFunc()
	b.wg.Wait()
	return nil
}
