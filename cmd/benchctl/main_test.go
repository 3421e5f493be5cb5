package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func simulatedConfig(t *testing.T) (string, string) {
	t.Helper()
	db := filepath.Join(t.TempDir(), "runs.db")
	path := writeConfig(t, fmt.Sprintf(`
[station]
simulate = true
sim_tick_ms = 5
telemetry_poll_ms = 5
history_db = %q

[[bench]]
number = 1
step_duration_ms = 30

[[bench]]
number = 2
step_duration_ms = 30
`, db))
	return path, db
}

func TestRunAndHistory(t *testing.T) {
	path, db := simulatedConfig(t)

	out, err := execute(t, "run", "--config", path, "--bench", "1,2", "--cell", "7", "--test", "rpt")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Summary") {
		t.Errorf("expected a summary, got:\n%s", out)
	}
	for _, want := range []string{"completed on Test Bench: 1, Cell: 7", "completed on Test Bench: 2, Cell: 7"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}

	out, err = execute(t, "history", "--db", db)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if n := strings.Count(out, "rpt"); n != 2 {
		t.Errorf("expected 2 rpt runs in history, got %d:\n%s", n, out)
	}

	out, err = execute(t, "history", "--config", path, "--bench", "2")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if n := strings.Count(out, "rpt"); n != 1 {
		t.Errorf("expected 1 run for bench 2, got %d:\n%s", n, out)
	}
}

func TestRunTrace(t *testing.T) {
	path, _ := simulatedConfig(t)

	out, err := execute(t, "run", "--config", path, "--cell", "3", "--test", "cc_discharge", "--trace")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Frames sent") {
		t.Fatalf("expected a frame trace, got:\n%s", out)
	}
	for _, want := range []string{"step 1", "step 4", "cc_discharge", "rest"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in trace:\n%s", want, out)
		}
	}
}

func TestRunErrors(t *testing.T) {
	path, _ := simulatedConfig(t)

	t.Run("unknown test", func(t *testing.T) {
		_, err := execute(t, "run", "--config", path, "--cell", "1", "--test", "soak")
		if err == nil || !strings.Contains(err.Error(), "not recognized") {
			t.Errorf("expected unrecognized test error, got %v", err)
		}
	})

	t.Run("bench not configured", func(t *testing.T) {
		_, err := execute(t, "run", "--config", path, "--bench", "9", "--cell", "1", "--test", "rpt")
		if err == nil || !strings.Contains(err.Error(), "not configured") {
			t.Errorf("expected not configured error, got %v", err)
		}
	})

	t.Run("cell out of range", func(t *testing.T) {
		_, err := execute(t, "run", "--config", path, "--cell", "51", "--test", "rpt")
		if err == nil || !strings.Contains(err.Error(), "out of range") {
			t.Errorf("expected out of range error, got %v", err)
		}
	})

	t.Run("missing flags", func(t *testing.T) {
		if _, err := execute(t, "run", "--config", path); err == nil {
			t.Error("expected error for missing --cell and --test")
		}
	})
}

func TestHistoryWithoutDatabase(t *testing.T) {
	_, err := execute(t, "history")
	if err == nil || !strings.Contains(err.Error(), "no run history configured") {
		t.Errorf("expected missing history error, got %v", err)
	}
}

func TestDBC(t *testing.T) {
	out, err := execute(t, "dbc")
	if err != nil {
		t.Fatalf("dbc failed: %v", err)
	}
	for _, want := range []string{"BenchCommand", "BenchTelemetry", "0x200", "0x180", "Temperature"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}
