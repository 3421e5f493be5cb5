package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "benchctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if !cfg.Station.Simulate {
		t.Error("default config should simulate the bus")
	}
	if len(cfg.Benches) != 3 {
		t.Errorf("expected 3 default benches, got %d", len(cfg.Benches))
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
[station]
can_interface = "can1"
bitrate = 250000
history_db = "runs.db"

[[bench]]
number = 4
max_cell = 12
step_durations_ms = [100, 2000, 2000, 100]
charge_current_a = 1.5

[[bench]]
number = 5
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Station.CANInterface != "can1" || cfg.Station.Bitrate != 250000 || cfg.Station.Simulate {
		t.Errorf("unexpected station section: %+v", cfg.Station)
	}
	b, ok := cfg.bench(4)
	if !ok {
		t.Fatal("bench 4 missing")
	}
	bc := cfg.benchConfig(b)
	if bc.Station != stationName || bc.MaxCell != 12 || bc.ChargeCurrentA != 1.5 || len(bc.StepDurationsMs) != 4 {
		t.Errorf("unexpected bench config: %+v", bc)
	}
	if _, ok := cfg.bench(1); ok {
		t.Error("bench 1 should not be configured")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "[station]\nsimulate = true\nbaud = 5\n",
		"duplicate bench":  "[[bench]]\nnumber = 1\n[[bench]]\nnumber = 1\n",
		"invalid bench":    "[[bench]]\nnumber = 0\n",
		"invalid station":  "[station]\nbitrate = -1\n",
		"malformed toml":   "[station\n",
		"bad step entries": "[[bench]]\nnumber = 1\nstep_durations_ms = [1, 2]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadConfig(writeConfig(t, body)); err == nil {
				t.Error("expected error")
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
		if err == nil || !strings.Contains(err.Error(), "config load failed") {
			t.Errorf("expected load error, got %v", err)
		}
	})
}
