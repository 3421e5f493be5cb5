package cellbench

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.einride.tech/can"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"cellbench/internal/canbus"
	"cellbench/internal/cycler"
	"cellbench/internal/history"
)

// fakeBus records sent frames and delivers whatever the test pushes.
type fakeBus struct {
	mu        sync.Mutex
	sent      []can.Frame
	sendErr   error
	frames    chan can.Frame
	closeOnce sync.Once
}

func newFakeBus() *fakeBus {
	return &fakeBus{frames: make(chan can.Frame, 64)}
}

func (b *fakeBus) Send(ctx context.Context, f can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, f)
	return nil
}

func (b *fakeBus) Frames() <-chan can.Frame {
	return b.frames
}

func (b *fakeBus) Close() error {
	b.closeOnce.Do(func() { close(b.frames) })
	return nil
}

func (b *fakeBus) push(tm cycler.Telemetry) {
	f, err := cycler.EncodeTelemetry(tm)
	if err != nil {
		panic(err)
	}
	b.frames <- f
}

func (b *fakeBus) commands(t *testing.T) []cycler.Command {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]cycler.Command, 0, len(b.sent))
	for _, f := range b.sent {
		cmd, err := cycler.DecodeCommand(f)
		if err != nil {
			t.Fatalf("DecodeCommand failed: %v", err)
		}
		out = append(out, cmd)
	}
	return out
}

func serviceName(name string) resource.Name {
	return resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), name)
}

func newTestStation(t *testing.T, bus canbus.Bus, conf *StationConfig) *station {
	t.Helper()
	if conf == nil {
		conf = &StationConfig{}
	}
	if conf.TelemetryPollMs == 0 {
		conf.TelemetryPollMs = 2
	}
	s, err := NewStationWithBus(serviceName("station"), conf, bus, logging.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewStationWithBus failed: %v", err)
	}
	st := s.(*station)
	t.Cleanup(func() { st.Close(context.Background()) })
	return st
}

// newSimStation builds a station on the simulator with every sent frame recorded.
func newSimStation(t *testing.T, conf *StationConfig) (*station, *canbus.Recorder) {
	t.Helper()
	sim := canbus.NewSimulator(canbus.SimulatorConfig{Tick: 2 * time.Millisecond}, logging.NewTestLogger(t))
	rec := canbus.NewRecorder(sim)
	return newTestStation(t, rec, conf), rec
}

func TestStationConfigValidate(t *testing.T) {
	t.Run("empty config is valid", func(t *testing.T) {
		cfg := &StationConfig{}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 0 {
			t.Errorf("expected no dependencies, got %v", deps)
		}
		if cfg.canInterface() != "can0" {
			t.Errorf("default can_interface = %q, want can0", cfg.canInterface())
		}
		if cfg.bitrate() != 500000 {
			t.Errorf("default bitrate = %d, want 500000", cfg.bitrate())
		}
	})

	t.Run("rejects negative values", func(t *testing.T) {
		for _, cfg := range []*StationConfig{
			{Bitrate: -1},
			{SimTickMs: -1},
			{SimTimeScale: -1},
			{TelemetryPollMs: -1},
		} {
			if _, _, err := cfg.Validate("test"); err == nil {
				t.Errorf("expected error for %+v", cfg)
			}
		}
	})
}

func TestStationExecute(t *testing.T) {
	t.Run("sends the step command and dwells", func(t *testing.T) {
		bus := newFakeBus()
		st := newTestStation(t, bus, nil)

		step := Step{Name: "constant-current charge", Mode: cycler.ModeCCCharge, Current: 1.5, Voltage: 4.2}
		res, err := st.Execute(context.Background(), 2, 7, 1, step, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Elapsed < 20*time.Millisecond {
			t.Errorf("Elapsed = %v, want at least 20ms", res.Elapsed)
		}
		if res.EndedEarly {
			t.Error("step should not end early without a predicate")
		}

		cmds := bus.commands(t)
		if len(cmds) != 1 {
			t.Fatalf("expected 1 command, got %d", len(cmds))
		}
		cmd := cmds[0]
		if cmd.Bench != 2 || cmd.Cell != 7 || cmd.Step != 2 || cmd.Mode != cycler.ModeCCCharge {
			t.Errorf("unexpected command: %+v", cmd)
		}
		if cmd.Sequence != 1 {
			t.Errorf("Sequence = %d, want 1", cmd.Sequence)
		}
	})

	t.Run("ends early when the predicate matches fresh telemetry", func(t *testing.T) {
		bus := newFakeBus()
		st := newTestStation(t, bus, nil)

		// A stale reading from before the step must not end it.
		bus.push(cycler.Telemetry{Bench: 1, Voltage: 4.3})
		time.Sleep(10 * time.Millisecond)

		go func() {
			time.Sleep(30 * time.Millisecond)
			bus.push(cycler.Telemetry{Bench: 1, Voltage: 4.25, Mode: cycler.ModeCCCharge})
		}()

		step := Step{
			Name:  "constant-current charge",
			Mode:  cycler.ModeCCCharge,
			Until: func(r cycler.Reading) bool { return r.Voltage >= 4.2 },
		}
		res, err := st.Execute(context.Background(), 1, 1, 1, step, 2*time.Second)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if !res.EndedEarly {
			t.Error("expected step to end early")
		}
		if res.Elapsed < 25*time.Millisecond {
			t.Errorf("step ended on stale telemetry after %v", res.Elapsed)
		}
		if !res.HasReading || res.Reading.Voltage != 4.25 {
			t.Errorf("expected final reading 4.25 V, got %+v", res.Reading)
		}
	})

	t.Run("cycler fault aborts the step", func(t *testing.T) {
		bus := newFakeBus()
		st := newTestStation(t, bus, nil)

		go func() {
			time.Sleep(10 * time.Millisecond)
			bus.push(cycler.Telemetry{Bench: 3, Voltage: 3.7, Mode: cycler.ModeRest, Fault: true})
		}()

		_, err := st.Execute(context.Background(), 3, 1, 0, Step{Name: "rest", Mode: cycler.ModeRest}, 2*time.Second)
		if !errors.Is(err, ErrCyclerFault) {
			t.Errorf("expected ErrCyclerFault, got %v", err)
		}
	})

	t.Run("frames from the previous mode are ignored", func(t *testing.T) {
		bus := newFakeBus()
		st := newTestStation(t, bus, nil)

		go func() {
			time.Sleep(10 * time.Millisecond)
			// Latched fault and a voltage past the limit, still in the previous step's mode.
			bus.push(cycler.Telemetry{Bench: 5, Voltage: 4.3, Mode: cycler.ModeRest, Fault: true})
			time.Sleep(20 * time.Millisecond)
			bus.push(cycler.Telemetry{Bench: 5, Voltage: 3.9, Current: 1, Mode: cycler.ModeCCCharge})
		}()

		step := Step{
			Name:  "constant-current charge",
			Mode:  cycler.ModeCCCharge,
			Until: func(r cycler.Reading) bool { return r.Voltage >= 4.2 },
		}
		res, err := st.Execute(context.Background(), 5, 1, 1, step, 80*time.Millisecond)
		if err != nil {
			t.Fatalf("Execute failed on a stale frame: %v", err)
		}
		if res.EndedEarly {
			t.Error("step ended early on a reading from the previous mode")
		}
		if !res.HasReading || res.Reading.Mode != cycler.ModeCCCharge || res.Reading.Voltage != 3.9 {
			t.Errorf("expected final reading in cc_charge at 3.9 V, got %+v", res.Reading)
		}
	})

	t.Run("fault after the mode is acknowledged aborts", func(t *testing.T) {
		bus := newFakeBus()
		st := newTestStation(t, bus, nil)

		go func() {
			time.Sleep(10 * time.Millisecond)
			bus.push(cycler.Telemetry{Bench: 6, Voltage: 3.6, Current: -1, Mode: cycler.ModeCCDischarge})
			time.Sleep(20 * time.Millisecond)
			bus.push(cycler.Telemetry{Bench: 6, Voltage: 3.5, Mode: cycler.ModeOff, Fault: true})
		}()

		step := Step{Name: "constant-current discharge", Mode: cycler.ModeCCDischarge}
		_, err := st.Execute(context.Background(), 6, 1, 1, step, 2*time.Second)
		if !errors.Is(err, ErrCyclerFault) {
			t.Errorf("expected ErrCyclerFault, got %v", err)
		}
	})

	t.Run("write failure is returned", func(t *testing.T) {
		bus := newFakeBus()
		bus.sendErr = errors.New("bus off")
		st := newTestStation(t, bus, nil)

		_, err := st.Execute(context.Background(), 1, 1, 0, Step{Name: "rest", Mode: cycler.ModeRest}, time.Second)
		if err == nil {
			t.Fatal("expected error when the bus rejects the write")
		}
		status, _ := st.DoCommand(context.Background(), map[string]interface{}{"command": "status"})
		if status["send_errors"] != 1 {
			t.Errorf("expected send_errors=1, got %v", status["send_errors"])
		}
	})

	t.Run("cancellation returns promptly", func(t *testing.T) {
		st := newTestStation(t, newFakeBus(), nil)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		_, err := st.Execute(ctx, 1, 1, 0, Step{Name: "rest", Mode: cycler.ModeRest}, 5*time.Second)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if time.Since(start) > time.Second {
			t.Errorf("Execute took %v after cancellation", time.Since(start))
		}
	})

	t.Run("waiting for the lock honours cancellation", func(t *testing.T) {
		st := newTestStation(t, newFakeBus(), nil)

		go st.Execute(context.Background(), 1, 1, 0, Step{Name: "rest", Mode: cycler.ModeRest}, 200*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := st.Execute(ctx, 2, 1, 0, Step{Name: "rest", Mode: cycler.ModeRest}, time.Second)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected context.DeadlineExceeded, got %v", err)
		}
	})
}

func TestStationMutualExclusion(t *testing.T) {
	st, rec := newSimStation(t, nil)
	const dwell = 30 * time.Millisecond

	var wg sync.WaitGroup
	for bench := 1; bench <= 3; bench++ {
		wg.Add(1)
		go func(bench int) {
			defer wg.Done()
			if _, err := st.Execute(context.Background(), bench, 1, 0, Step{Name: "rest", Mode: cycler.ModeRest}, dwell); err != nil {
				t.Errorf("Execute on bench %d failed: %v", bench, err)
			}
		}(bench)
	}
	wg.Wait()

	sent := rec.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(sent))
	}
	for i := 1; i < len(sent); i++ {
		if gap := sent[i].At.Sub(sent[i-1].At); gap < dwell {
			t.Errorf("command %d sent %v after the previous one, want at least %v", i, gap, dwell)
		}
	}
}

func TestStationTelemetry(t *testing.T) {
	bus := newFakeBus()
	st := newTestStation(t, bus, nil)

	if _, ok := st.Telemetry(4); ok {
		t.Error("expected no telemetry before any frame")
	}

	bus.push(cycler.Telemetry{Bench: 4, Voltage: 3.81, Current: -0.5, Temperature: 26.4, Mode: cycler.ModeCCDischarge})
	bus.frames <- can.Frame{ID: 0x7ff, Length: 2}
	bus.frames <- can.Frame{ID: cycler.TelemetryID(4), Length: 3}

	deadline := time.Now().Add(time.Second)
	for {
		status, _ := st.DoCommand(context.Background(), map[string]interface{}{"command": "status"})
		if status["decode_errors"] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("telemetry not processed: %v", status)
		}
		time.Sleep(2 * time.Millisecond)
	}

	r, ok := st.Telemetry(4)
	if !ok {
		t.Fatal("expected telemetry for bench 4")
	}
	if r.Voltage != 3.81 || r.Mode != cycler.ModeCCDischarge {
		t.Errorf("unexpected reading: %+v", r)
	}

	out, err := st.DoCommand(context.Background(), map[string]interface{}{"command": "telemetry", "bench": float64(4)})
	if err != nil {
		t.Fatalf("telemetry command failed: %v", err)
	}
	if out["mode"] != "cc_discharge" {
		t.Errorf("expected mode=cc_discharge, got %v", out["mode"])
	}

	if _, err := st.DoCommand(context.Background(), map[string]interface{}{"command": "telemetry", "bench": 9}); err == nil {
		t.Error("expected error for bench without telemetry")
	}
}

func TestStationDoCommand(t *testing.T) {
	st := newTestStation(t, newFakeBus(), nil)

	if _, err := st.DoCommand(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("DoCommand should return error for missing command")
	}
	if _, err := st.DoCommand(context.Background(), map[string]interface{}{"command": "bogus"}); err == nil {
		t.Error("DoCommand should return error for unknown command")
	}

	t.Run("status reports the lock holder", func(t *testing.T) {
		go st.Execute(context.Background(), 5, 1, 0, Step{Name: "rest", Mode: cycler.ModeRest}, 100*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		status, err := st.DoCommand(context.Background(), map[string]interface{}{"command": "status"})
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status["busy"] != true || status["holder"] != 5 {
			t.Errorf("expected busy holder 5, got %v", status)
		}
	})
}

func TestStationRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	st := newTestStation(t, newFakeBus(), &StationConfig{HistoryDB: path})

	now := time.Now()
	run := &RunResult{
		ID:         "run-1",
		Bench:      1,
		Cell:       3,
		TestType:   RPT,
		State:      RunCompleted,
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
		Steps: []StepResult{
			{Index: 0, Name: "rest"},
			{Index: 1, Name: "discharge pulse", HasReading: true, Reading: cycler.Reading{Telemetry: cycler.Telemetry{Voltage: 3.6, Temperature: 29}}},
		},
	}
	if err := st.Record(context.Background(), run); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	runs, err := st.History().List(context.Background(), history.Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].TestType != "rpt" || runs[0].Voltage != 3.6 || runs[0].Steps != 2 {
		t.Errorf("unexpected history row: %+v", runs[0])
	}

	t.Run("no history configured is a no-op", func(t *testing.T) {
		st := newTestStation(t, newFakeBus(), nil)
		if err := st.Record(context.Background(), run); err != nil {
			t.Errorf("Record without history failed: %v", err)
		}
	})
}

func TestStationClose(t *testing.T) {
	bus := newFakeBus()
	s, err := NewStationWithBus(serviceName("station"), &StationConfig{}, bus, logging.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewStationWithBus failed: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, open := <-bus.frames; open {
		t.Error("expected bus to be closed")
	}
}
