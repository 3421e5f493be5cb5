package cellbench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"

	"cellbench/internal/canbus"
	"cellbench/internal/cycler"
	"cellbench/internal/history"
)

var Station = resource.NewModel("cellbench", "multicell-testbench", "station")

func init() {
	resource.RegisterService(generic.API, Station,
		resource.Registration[resource.Resource, *StationConfig]{
			Constructor: newStation,
		},
	)
}

// ErrCyclerFault is returned when a bench's cycler raises its fault flag mid-step.
var ErrCyclerFault = errors.New("cycler fault")

type StationConfig struct {
	CANInterface    string  `json:"can_interface,omitempty"` // default: can0
	Bitrate         int     `json:"bitrate,omitempty"`       // informational, set on the interface by the OS (default: 500000)
	Simulate        bool    `json:"simulate,omitempty"`      // use the in-process cycler simulator instead of hardware
	SimTickMs       int     `json:"sim_tick_ms,omitempty"`
	SimTimeScale    float64 `json:"sim_time_scale,omitempty"`
	TelemetryPollMs int     `json:"telemetry_poll_ms,omitempty"` // default: 20
	HistoryDB       string  `json:"history_db,omitempty"`        // optional sqlite path for the run log
}

func (cfg *StationConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Bitrate < 0 {
		return nil, nil, fmt.Errorf("%s: bitrate must be positive", path)
	}
	if cfg.SimTickMs < 0 {
		return nil, nil, fmt.Errorf("%s: sim_tick_ms must be positive", path)
	}
	if cfg.SimTimeScale < 0 {
		return nil, nil, fmt.Errorf("%s: sim_time_scale must be positive", path)
	}
	if cfg.TelemetryPollMs < 0 {
		return nil, nil, fmt.Errorf("%s: telemetry_poll_ms must be positive", path)
	}
	return nil, nil, nil
}

func (cfg *StationConfig) canInterface() string {
	if cfg.CANInterface == "" {
		return "can0"
	}
	return cfg.CANInterface
}

func (cfg *StationConfig) bitrate() int {
	if cfg.Bitrate <= 0 {
		return 500000
	}
	return cfg.Bitrate
}

// StepResult describes one executed step.
type StepResult struct {
	Index      int
	Name       string
	Elapsed    time.Duration
	EndedEarly bool
	Reading    cycler.Reading
	HasReading bool
}

// stepExecutor is what a bench needs from the station it shares with the
// other benches.
type stepExecutor interface {
	Execute(ctx context.Context, bench, cell, index int, step Step, maxDuration time.Duration) (StepResult, error)
	OutputOff(ctx context.Context, bench, cell int) error
	Telemetry(bench int) (cycler.Reading, bool)
	Record(ctx context.Context, r *RunResult) error
}

type station struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *StationConfig

	bus          canbus.Bus
	history      *history.Store
	pollInterval time.Duration

	// lock admits one step at a time across every bench.
	lock chan struct{}

	mu             sync.Mutex
	holder         int
	readings       map[int]cycler.Reading
	seq            map[int]uint8
	framesSent     int
	framesReceived int
	decodeErrors   int
	sendErrors     int

	loopDone chan struct{}
}

func newStation(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*StationConfig](rawConf)
	if err != nil {
		return nil, err
	}
	return NewStation(ctx, rawConf.ResourceName(), conf, logger)
}

// NewStation opens the configured bus (hardware or simulated) and starts
// decoding telemetry.
func NewStation(ctx context.Context, name resource.Name, conf *StationConfig, logger logging.Logger) (resource.Resource, error) {
	bus, err := OpenBus(ctx, conf, logger)
	if err != nil {
		return nil, err
	}
	s, err := NewStationWithBus(name, conf, bus, logger)
	if err != nil {
		bus.Close()
		return nil, err
	}
	return s, nil
}

// OpenBus returns the simulator when conf.Simulate is set and the SocketCAN
// interface otherwise.
func OpenBus(ctx context.Context, conf *StationConfig, logger logging.Logger) (canbus.Bus, error) {
	if conf.Simulate {
		return canbus.NewSimulator(canbus.SimulatorConfig{
			Tick:      time.Duration(conf.SimTickMs) * time.Millisecond,
			TimeScale: conf.SimTimeScale,
		}, logger), nil
	}
	bus, err := canbus.DialSocketCAN(ctx, conf.canInterface(), logger)
	if err != nil {
		logger.Errorf("CAN initialization failed: %v", err)
		return nil, err
	}
	logger.Infof("expecting %q at %d bit/s", conf.canInterface(), conf.bitrate())
	return bus, nil
}

// NewStationWithBus builds a station on an already open bus. The station
// takes ownership of bus and closes it on Close.
func NewStationWithBus(name resource.Name, conf *StationConfig, bus canbus.Bus, logger logging.Logger) (resource.Resource, error) {
	var store *history.Store
	if conf.HistoryDB != "" {
		st, err := history.Open(conf.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("opening run history: %w", err)
		}
		store = st
	}

	poll := time.Duration(conf.TelemetryPollMs) * time.Millisecond
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}

	s := &station{
		name:         name,
		logger:       logger,
		cfg:          conf,
		bus:          bus,
		history:      store,
		pollInterval: poll,
		lock:         make(chan struct{}, 1),
		readings:     map[int]cycler.Reading{},
		seq:          map[int]uint8{},
		loopDone:     make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

func (s *station) Name() resource.Name {
	return s.name
}

func (s *station) receiveLoop() {
	defer close(s.loopDone)
	for f := range s.bus.Frames() {
		if !cycler.IsTelemetry(f.ID) {
			continue
		}
		t, err := cycler.DecodeTelemetry(f)
		s.mu.Lock()
		if err != nil {
			s.decodeErrors++
			s.mu.Unlock()
			s.logger.Debugf("dropping telemetry frame 0x%x: %v", f.ID, err)
			continue
		}
		s.framesReceived++
		s.readings[t.Bench] = cycler.Reading{Telemetry: t, At: time.Now()}
		s.mu.Unlock()
	}
}

func (s *station) acquire(ctx context.Context, bench int) error {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.holder = bench
	s.mu.Unlock()
	return nil
}

func (s *station) release() {
	s.mu.Lock()
	s.holder = 0
	s.mu.Unlock()
	<-s.lock
}

func (s *station) send(ctx context.Context, cmd cycler.Command) error {
	s.mu.Lock()
	s.seq[cmd.Bench]++
	cmd.Sequence = s.seq[cmd.Bench]
	s.mu.Unlock()

	f, err := cycler.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := s.bus.Send(ctx, f); err != nil {
		s.mu.Lock()
		s.sendErrors++
		s.mu.Unlock()
		s.logger.Errorf("CAN write failed for test bench %d: %v", cmd.Bench, err)
		return err
	}
	s.mu.Lock()
	s.framesSent++
	s.mu.Unlock()
	return nil
}

// Execute runs one step for bench while holding the station lock. The step
// ends when maxDuration elapses, when its Until predicate matches a reading
// taken after the step started, or when ctx is done. Readings only count once
// the cycler reports the step's mode; frames still queued from the previous
// step are ignored, faults included.
func (s *station) Execute(ctx context.Context, bench, cell, index int, step Step, maxDuration time.Duration) (StepResult, error) {
	res := StepResult{Index: index, Name: step.Name}
	if err := s.acquire(ctx, bench); err != nil {
		return res, err
	}
	defer s.release()

	s.logger.Infof("executing step %d (%s) on test bench %d, cell %d", index+1, step.Name, bench, cell)
	start := time.Now()
	err := s.send(ctx, cycler.Command{
		Bench:   bench,
		Mode:    step.Mode,
		Cell:    cell,
		Current: step.Current,
		Voltage: step.Voltage,
		Step:    index + 1,
	})
	if err != nil {
		return res, fmt.Errorf("sending %s command: %w", step.Name, err)
	}

	timer := time.NewTimer(maxDuration)
	defer timer.Stop()
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()

	// acked is set by the first fresh reading in the commanded mode. After
	// that every reading counts, so a fault that drops the cycler out of the
	// mode is still seen.
	acked := false
	fresh := func(r cycler.Reading) bool {
		if r.At.Before(start) {
			return false
		}
		if !acked && r.Mode == step.Mode {
			acked = true
		}
		return acked
	}

	finish := func() StepResult {
		res.Elapsed = time.Since(start)
		if r, ok := s.Telemetry(bench); ok && fresh(r) {
			res.Reading, res.HasReading = r, true
		}
		return res
	}

	for {
		select {
		case <-ctx.Done():
			return finish(), ctx.Err()
		case <-timer.C:
			s.logger.Infof("step %d (%s) completed on test bench %d", index+1, step.Name, bench)
			return finish(), nil
		case <-poll.C:
			r, ok := s.Telemetry(bench)
			if !ok || !fresh(r) {
				continue
			}
			if r.Fault {
				return finish(), fmt.Errorf("%w on test bench %d during %s", ErrCyclerFault, bench, step.Name)
			}
			if step.Until != nil && step.Until(r) {
				res.EndedEarly = true
				s.logger.Infof("step %d (%s) reached its end condition on test bench %d", index+1, step.Name, bench)
				return finish(), nil
			}
		}
	}
}

// OutputOff switches a bench's cycler output off.
func (s *station) OutputOff(ctx context.Context, bench, cell int) error {
	if err := s.acquire(ctx, bench); err != nil {
		return err
	}
	defer s.release()
	return s.send(ctx, cycler.Command{Bench: bench, Mode: cycler.ModeOff, Cell: cell})
}

func (s *station) Telemetry(bench int) (cycler.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.readings[bench]
	return r, ok
}

// Record appends a finished run to the history log, if one is configured.
func (s *station) Record(ctx context.Context, r *RunResult) error {
	if s.history == nil || r == nil {
		return nil
	}
	return s.history.Insert(ctx, r.historyRun())
}

// History exposes the run log, nil when history_db is not configured.
func (s *station) History() *history.Store {
	return s.history
}

func (s *station) status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"busy":            s.holder != 0,
		"holder":          s.holder,
		"simulated":       s.cfg.Simulate,
		"can_interface":   s.cfg.canInterface(),
		"bitrate":         s.cfg.bitrate(),
		"frames_sent":     s.framesSent,
		"frames_received": s.framesReceived,
		"decode_errors":   s.decodeErrors,
		"send_errors":     s.sendErrors,
	}
}

func (s *station) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "status":
		return s.status(), nil
	case "telemetry":
		bench, ok := intArg(cmd, "bench")
		if !ok {
			return nil, fmt.Errorf("missing or invalid 'bench' field")
		}
		r, ok := s.Telemetry(bench)
		if !ok {
			return nil, fmt.Errorf("no telemetry from test bench %d", bench)
		}
		return readingMap(r), nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *station) Close(context.Context) error {
	err := s.bus.Close()
	<-s.loopDone
	return multierr.Combine(err, s.history.Close())
}

func readingMap(r cycler.Reading) map[string]interface{} {
	return map[string]interface{}{
		"voltage":     r.Voltage,
		"current":     r.Current,
		"temperature": r.Temperature,
		"mode":        r.Mode.String(),
		"fault":       r.Fault,
		"at":          r.At.UTC().Format(time.RFC3339Nano),
	}
}

func intArg(cmd map[string]interface{}, key string) (int, bool) {
	switch v := cmd[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
