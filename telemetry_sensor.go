package cellbench

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"cellbench/internal/cycler"
)

var TelemetrySensor = resource.NewModel("cellbench", "multicell-testbench", "telemetry-sensor")

func init() {
	resource.RegisterComponent(sensor.API, TelemetrySensor,
		resource.Registration[sensor.Sensor, *TelemetrySensorConfig]{
			Constructor: newTelemetrySensor,
		},
	)
}

type TelemetrySensorConfig struct {
	Station          string  `json:"station"`      // REQUIRED: name of the station service
	BenchNumber      int     `json:"bench_number"` // REQUIRED
	SampleRateHz     int     `json:"sample_rate_hz,omitempty"`
	BufferSize       int     `json:"buffer_size,omitempty"`
	CurrentThreshold float64 `json:"current_threshold_a,omitempty"` // |current| below this is "idle" (default: 0.01)
	CaptureTimeout   int     `json:"capture_timeout_ms,omitempty"`  // timeout in ms (default: 600000)
}

func (cfg *TelemetrySensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Station == "" {
		return nil, nil, fmt.Errorf("%s: station is required", path)
	}
	if cfg.BenchNumber < 1 || cfg.BenchNumber > cycler.MaxBench {
		return nil, nil, fmt.Errorf("%s: bench_number must be between 1 and %d", path, cycler.MaxBench)
	}
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Station)
	return []string{dep.String()}, nil, nil
}

type telemetryReader interface {
	Telemetry(bench int) (cycler.Reading, bool)
}

type captureState int

const (
	captureIdle    captureState = iota
	captureWaiting              // waiting for current to start flowing
	captureActive               // actively capturing samples
)

func (s captureState) String() string {
	switch s {
	case captureWaiting:
		return "waiting"
	case captureActive:
		return "capturing"
	default:
		return "idle"
	}
}

type telemetrySample struct {
	voltage     float64
	current     float64
	temperature float64
}

// telemetrySensor buffers a bench's telemetry between start_capture and
// end_capture so a whole run can be synced as one reading.
type telemetrySensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	reader telemetryReader
	bench  int

	sampleRateHz     int
	bufferSize       int
	currentThreshold float64
	captureTimeout   time.Duration

	mu           sync.Mutex
	samples      []telemetrySample
	state        captureState
	lastAt       time.Time
	timeoutTimer *time.Timer

	// Run metadata passed via start_capture
	runID    string
	testType string

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newTelemetrySensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*TelemetrySensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	stationName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Station)
	dep, ok := deps[stationName]
	if !ok {
		return nil, fmt.Errorf("station %q not found in dependencies", conf.Station)
	}
	reader, ok := dep.(telemetryReader)
	if !ok {
		return nil, fmt.Errorf("station %q does not provide telemetry", conf.Station)
	}

	ts := newTelemetrySensorWithReader(rawConf.ResourceName(), conf, reader, logger)
	ts.wg.Add(1)
	go ts.samplingLoop()
	return ts, nil
}

func newTelemetrySensorWithReader(name resource.Name, conf *TelemetrySensorConfig, reader telemetryReader, logger logging.Logger) *telemetrySensor {
	sampleRate := conf.SampleRateHz
	if sampleRate <= 0 {
		sampleRate = 10
	}

	bufferSize := conf.BufferSize
	if bufferSize <= 0 {
		bufferSize = 600
	}

	threshold := conf.CurrentThreshold
	if threshold <= 0 {
		threshold = 0.01
	}

	captureTimeout := conf.CaptureTimeout
	if captureTimeout <= 0 {
		captureTimeout = 600000 // 10 minutes default
	}

	return &telemetrySensor{
		name:             name,
		logger:           logger,
		reader:           reader,
		bench:            conf.BenchNumber,
		sampleRateHz:     sampleRate,
		bufferSize:       bufferSize,
		currentThreshold: threshold,
		captureTimeout:   time.Duration(captureTimeout) * time.Millisecond,
		samples:          make([]telemetrySample, 0, bufferSize),
		state:            captureIdle,
		closed:           make(chan struct{}),
	}
}

func (ts *telemetrySensor) Name() resource.Name {
	return ts.name
}

func (ts *telemetrySensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	ts.mu.Lock()
	samples := make([]telemetrySample, len(ts.samples))
	copy(samples, ts.samples)
	state := ts.state
	runID := ts.runID
	testType := ts.testType
	ts.mu.Unlock()

	voltages := make([]interface{}, len(samples))
	for i, s := range samples {
		voltages[i] = s.voltage
	}

	result := map[string]interface{}{
		"bench":         ts.bench,
		"run_id":        runID,
		"test_type":     testType,
		"should_sync":   runID != "",
		"voltages":      voltages,
		"sample_count":  len(samples),
		"capture_state": state.String(),
	}
	for k, v := range summarize(samples) {
		result[k] = v
	}
	return result, nil
}

func summarize(samples []telemetrySample) map[string]interface{} {
	if len(samples) == 0 {
		return nil
	}
	minV, maxV := math.Inf(1), math.Inf(-1)
	maxT := math.Inf(-1)
	var charge float64
	for _, s := range samples {
		minV = math.Min(minV, s.voltage)
		maxV = math.Max(maxV, s.voltage)
		maxT = math.Max(maxT, s.temperature)
		charge += s.current
	}
	return map[string]interface{}{
		"min_voltage":     minV,
		"max_voltage":     maxV,
		"max_temperature": maxT,
		"mean_current":    charge / float64(len(samples)),
	}
}

func (ts *telemetrySensor) samplingLoop() {
	defer ts.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(ts.sampleRateHz))
	defer ticker.Stop()

	for {
		select {
		case <-ts.closed:
			return
		case <-ticker.C:
			ts.sample()
		}
	}
}

func (ts *telemetrySensor) sample() {
	r, ok := ts.reader.Telemetry(ts.bench)
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state == captureIdle || !r.At.After(ts.lastAt) {
		return
	}
	ts.lastAt = r.At

	if ts.state == captureWaiting && math.Abs(r.Current) >= ts.currentThreshold {
		// First reading with current flowing - start capturing
		ts.state = captureActive
		ts.samples = ts.samples[:0]
		ts.logger.Infof("telemetry capture started on test bench %d (first current: %.3f A)", ts.bench, r.Current)
	}

	if ts.state == captureActive {
		if len(ts.samples) >= ts.bufferSize {
			ts.samples = ts.samples[1:]
		}
		ts.samples = append(ts.samples, telemetrySample{voltage: r.Voltage, current: r.Current, temperature: r.Temperature})
	}
}

func (ts *telemetrySensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start_capture":
		return ts.handleStartCapture(cmd)
	case "end_capture":
		return ts.handleEndCapture()
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (ts *telemetrySensor) handleStartCapture(cmd map[string]interface{}) (map[string]interface{}, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.state != captureIdle {
		return nil, fmt.Errorf("capture already in progress (state: %s)", ts.state)
	}

	ts.runID, _ = cmd["run_id"].(string)
	ts.testType, _ = cmd["test_type"].(string)
	ts.state = captureWaiting
	ts.samples = ts.samples[:0]
	ts.lastAt = time.Now()

	ts.timeoutTimer = time.AfterFunc(ts.captureTimeout, func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if ts.state != captureIdle {
			ts.logger.Errorf("capture timeout: end_capture not called within %v, dropping run %q", ts.captureTimeout, ts.runID)
			ts.state = captureIdle
			ts.runID = ""
			ts.testType = ""
			ts.samples = ts.samples[:0]
			ts.timeoutTimer = nil
		}
	})

	ts.logger.Infof("capture armed on test bench %d, waiting for current (threshold: %.3f A)", ts.bench, ts.currentThreshold)
	return map[string]interface{}{"status": "waiting"}, nil
}

func (ts *telemetrySensor) handleEndCapture() (map[string]interface{}, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.state == captureIdle {
		return nil, fmt.Errorf("no capture in progress")
	}

	if ts.timeoutTimer != nil {
		ts.timeoutTimer.Stop()
		ts.timeoutTimer = nil
	}

	prev := ts.state
	ts.state = captureIdle

	// Clear run metadata so should_sync becomes false
	runID := ts.runID
	ts.runID = ""
	ts.testType = ""

	ts.logger.Infof("capture ended on test bench %d (was %s): %d samples", ts.bench, prev, len(ts.samples))
	result := map[string]interface{}{
		"status":       "completed",
		"sample_count": len(ts.samples),
		"run_id":       runID,
	}
	for k, v := range summarize(ts.samples) {
		result[k] = v
	}
	return result, nil
}

func (ts *telemetrySensor) Close(context.Context) error {
	ts.closeOnce.Do(func() {
		close(ts.closed)
	})
	ts.wg.Wait()
	ts.mu.Lock()
	if ts.timeoutTimer != nil {
		ts.timeoutTimer.Stop()
	}
	ts.mu.Unlock()
	return nil
}
