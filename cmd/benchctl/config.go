package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"cellbench"
)

type fileConfig struct {
	Station stationSection `toml:"station"`
	Benches []benchSection `toml:"bench"`
}

type stationSection struct {
	CANInterface string  `toml:"can_interface"`
	Bitrate      int     `toml:"bitrate"`
	Simulate     bool    `toml:"simulate"`
	SimTickMs    int     `toml:"sim_tick_ms"`
	SimTimeScale float64 `toml:"sim_time_scale"`
	PollMs       int     `toml:"telemetry_poll_ms"`
	HistoryDB    string  `toml:"history_db"`
}

type benchSection struct {
	Number            int     `toml:"number"`
	MaxCell           int     `toml:"max_cell"`
	StepDurationMs    int     `toml:"step_duration_ms"`
	StepDurationsMs   []int   `toml:"step_durations_ms"`
	ChargeCurrentA    float64 `toml:"charge_current_a"`
	DischargeCurrentA float64 `toml:"discharge_current_a"`
	VoltageMaxV       float64 `toml:"voltage_max_v"`
	VoltageMinV       float64 `toml:"voltage_min_v"`
	CutoffCurrentA    float64 `toml:"cutoff_current_a"`
	PulseCurrentA     float64 `toml:"pulse_current_a"`
}

// defaultConfig is a simulated station with the three benches of the lab.
func defaultConfig() fileConfig {
	return fileConfig{
		Station: stationSection{Simulate: true},
		Benches: []benchSection{{Number: 1}, {Number: 2}, {Number: 3}},
	}
}

func loadConfig(path string) (fileConfig, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return fileConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg fileConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return fileConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fileConfig{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	if len(cfg.Benches) == 0 {
		cfg.Benches = defaultConfig().Benches
	}
	if err := cfg.validate(); err != nil {
		return fileConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (c fileConfig) validate() error {
	if _, _, err := c.stationConfig().Validate("station"); err != nil {
		return err
	}
	seen := map[int]bool{}
	for i, b := range c.Benches {
		if seen[b.Number] {
			return fmt.Errorf("bench %d configured twice", b.Number)
		}
		seen[b.Number] = true
		if _, _, err := c.benchConfig(b).Validate(fmt.Sprintf("bench[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func (c fileConfig) stationConfig() *cellbench.StationConfig {
	return &cellbench.StationConfig{
		CANInterface:    c.Station.CANInterface,
		Bitrate:         c.Station.Bitrate,
		Simulate:        c.Station.Simulate,
		SimTickMs:       c.Station.SimTickMs,
		SimTimeScale:    c.Station.SimTimeScale,
		TelemetryPollMs: c.Station.PollMs,
		HistoryDB:       c.Station.HistoryDB,
	}
}

func (c fileConfig) benchConfig(b benchSection) *cellbench.BenchConfig {
	return &cellbench.BenchConfig{
		Station:           stationName,
		BenchNumber:       b.Number,
		MaxCell:           b.MaxCell,
		StepDurationMs:    b.StepDurationMs,
		StepDurationsMs:   b.StepDurationsMs,
		ChargeCurrentA:    b.ChargeCurrentA,
		DischargeCurrentA: b.DischargeCurrentA,
		VoltageMaxV:       b.VoltageMaxV,
		VoltageMinV:       b.VoltageMinV,
		CutoffCurrentA:    b.CutoffCurrentA,
		PulseCurrentA:     b.PulseCurrentA,
	}
}

func (c fileConfig) bench(number int) (benchSection, bool) {
	for _, b := range c.Benches {
		if b.Number == number {
			return b, true
		}
	}
	return benchSection{}, false
}
