package canbus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.viam.com/rdk/logging"

	"cellbench/internal/cycler"
)

// SimulatorConfig tunes the simulated cyclers.
type SimulatorConfig struct {
	Tick       time.Duration // telemetry period (default 20ms)
	TimeScale  float64       // simulated seconds per real second (default 60)
	InitialSOC float64       // state of charge new channels start at (default 0.5)
	Capacity   float64       // cell capacity in Ah (default 2.5)
}

func (c *SimulatorConfig) setDefaults() {
	if c.Tick <= 0 {
		c.Tick = 20 * time.Millisecond
	}
	if c.TimeScale <= 0 {
		c.TimeScale = 60
	}
	if c.InitialSOC <= 0 || c.InitialSOC > 1 {
		c.InitialSOC = 0.5
	}
	if c.Capacity <= 0 {
		c.Capacity = 2.5
	}
}

const (
	simAmbient    = 25.0
	simResistance = 0.05 // ohms
	simVEmpty     = 3.0
	simVFull      = 4.2
	simMaxCurrent = 5.0
)

// simChannel models one cycler channel with a single cell attached.
type simChannel struct {
	cmd         cycler.Command
	soc         float64
	current     float64
	temperature float64
}

func (ch *simChannel) ocv() float64 {
	return simVEmpty + (simVFull-simVEmpty)*ch.soc
}

func (ch *simChannel) step(dt, capacity float64) {
	switch ch.cmd.Mode {
	case cycler.ModeCCCharge:
		ch.current = math.Abs(ch.cmd.Current)
	case cycler.ModeCVCharge:
		limit := math.Abs(ch.cmd.Current)
		if limit == 0 {
			limit = simMaxCurrent
		}
		ch.current = math.Max(0, math.Min(limit, (ch.cmd.Voltage-ch.ocv())/simResistance))
	case cycler.ModeCCDischarge:
		ch.current = -math.Abs(ch.cmd.Current)
	default:
		ch.current = 0
	}
	ch.soc += ch.current * dt / (capacity * 3600)
	ch.soc = math.Max(0, math.Min(1, ch.soc))
	heat := ch.current * ch.current * simResistance * 0.5
	ch.temperature += (heat - (ch.temperature-simAmbient)*0.01) * dt
}

func (ch *simChannel) telemetry(bench int) cycler.Telemetry {
	return cycler.Telemetry{
		Bench:       bench,
		Voltage:     ch.ocv() + ch.current*simResistance,
		Current:     ch.current,
		Temperature: ch.temperature,
		Mode:        ch.cmd.Mode,
	}
}

// Simulator is an in-process Bus. It answers command frames the way a
// cycler would and publishes telemetry for every bench it has seen.
type Simulator struct {
	logger logging.Logger
	cfg    SimulatorConfig

	mu       sync.Mutex
	channels map[int]*simChannel
	sendErr  error

	frames    chan can.Frame
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSimulator starts a simulated bus.
func NewSimulator(cfg SimulatorConfig, logger logging.Logger) *Simulator {
	cfg.setDefaults()
	s := &Simulator{
		logger:   logger,
		cfg:      cfg,
		channels: map[int]*simChannel{},
		frames:   make(chan can.Frame, DefaultQueueSize),
		closed:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.tickLoop()
	logger.Infof("simulated CAN bus started (tick %v, time scale %.0fx)", cfg.Tick, cfg.TimeScale)
	return s
}

// FailSends makes every following Send return err; nil restores normal operation.
func (s *Simulator) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *Simulator) Send(ctx context.Context, frame can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if !cycler.IsCommand(frame.ID) {
		return nil
	}
	cmd, err := cycler.DecodeCommand(frame)
	if err != nil {
		s.logger.Warnf("simulator ignoring frame 0x%x: %v", frame.ID, err)
		return nil
	}
	ch, ok := s.channels[cmd.Bench]
	if !ok {
		ch = &simChannel{soc: s.cfg.InitialSOC, temperature: simAmbient}
		s.channels[cmd.Bench] = ch
	}
	ch.cmd = cmd
	return nil
}

func (s *Simulator) Frames() <-chan can.Frame {
	return s.frames
}

func (s *Simulator) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	dt := s.cfg.Tick.Seconds() * s.cfg.TimeScale
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		out := make([]can.Frame, 0, len(s.channels))
		for bench, ch := range s.channels {
			ch.step(dt, s.cfg.Capacity)
			f, err := cycler.EncodeTelemetry(ch.telemetry(bench))
			if err != nil {
				s.logger.Warnf("simulator bench %d: %v", bench, err)
				continue
			}
			out = append(out, f)
		}
		s.mu.Unlock()

		for _, f := range out {
			select {
			case s.frames <- f:
			default:
			}
		}
	}
}

func (s *Simulator) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		close(s.frames)
	})
	return nil
}
