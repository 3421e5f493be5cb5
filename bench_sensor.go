package cellbench

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var BenchSensor = resource.NewModel("cellbench", "multicell-testbench", "bench-sensor")

func init() {
	resource.RegisterComponent(sensor.API, BenchSensor,
		resource.Registration[sensor.Sensor, *BenchSensorConfig]{
			Constructor: newBenchSensor,
		},
	)
}

type BenchSensorConfig struct {
	Bench string `json:"bench"`
}

func (cfg *BenchSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Bench == "" {
		return nil, nil, fmt.Errorf("%s: bench is required", path)
	}
	// Return full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Bench)
	return []string{dep.String()}, nil, nil
}

type stateProvider interface {
	GetState() map[string]interface{}
}

// benchSensor publishes a bench's state: bench, cell, test type, progress,
// voltage and temperature.
type benchSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	bench  stateProvider
}

func newBenchSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*BenchSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	benchName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Bench)
	b, ok := deps[benchName]
	if !ok {
		return nil, fmt.Errorf("bench %q not found in dependencies", conf.Bench)
	}

	provider, ok := b.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("bench %q does not implement GetState", conf.Bench)
	}

	return &benchSensor{
		name:   rawConf.ResourceName(),
		logger: logger,
		bench:  provider,
	}, nil
}

func (s *benchSensor) Name() resource.Name {
	return s.name
}

// Readings adds should_sync, true while a run is active. Data capture skips
// idle benches so only runs end up in the synced dataset.
func (s *benchSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state := s.bench.GetState()
	running := state["state"] == "running"
	if !running && extra[data.FromDMString] == true {
		return nil, data.ErrNoCaptureToStore
	}

	readings := make(map[string]interface{}, len(state)+1)
	for k, v := range state {
		readings[k] = v
	}
	readings["should_sync"] = running
	return readings, nil
}

func (s *benchSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on bench-sensor")
}

func (s *benchSensor) Close(context.Context) error {
	return nil
}
