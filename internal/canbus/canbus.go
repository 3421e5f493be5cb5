// Package canbus provides access to the CAN bus the test bench cyclers are
// attached to: a SocketCAN implementation for real hardware and an
// in-process simulator for benches without hardware.
package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
	"go.viam.com/rdk/logging"
)

// ErrClosed is returned when sending on a bus that has been closed.
var ErrClosed = errors.New("can bus closed")

// DefaultQueueSize is the receive queue depth of every Bus.
const DefaultQueueSize = 256

// Bus is a CAN channel. Frames delivers received frames until the bus is
// closed, at which point the channel is closed too.
type Bus interface {
	Send(ctx context.Context, frame can.Frame) error
	Frames() <-chan can.Frame
	Close() error
}

type socketCANBus struct {
	logger logging.Logger
	iface  string

	conn net.Conn
	rx   *socketcan.Receiver

	mu sync.Mutex
	tx *socketcan.Transmitter

	frames    chan can.Frame
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

// DialSocketCAN opens the named SocketCAN interface (for example "can0").
// The bitrate is configured on the interface by the OS, not here.
func DialSocketCAN(ctx context.Context, iface string, logger logging.Logger) (Bus, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("initializing CAN interface %q: %w", iface, err)
	}
	b := &socketCANBus{
		logger:   logger,
		iface:    iface,
		conn:     conn,
		rx:       socketcan.NewReceiver(conn),
		tx:       socketcan.NewTransmitter(conn),
		frames:   make(chan can.Frame, DefaultQueueSize),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go b.receiveLoop()
	logger.Infof("CAN interface %q initialized", iface)
	return b, nil
}

func (b *socketCANBus) receiveLoop() {
	defer close(b.loopDone)
	defer close(b.frames)

	for b.rx.Receive() {
		if b.rx.HasErrorFrame() {
			b.logger.Warnf("CAN error frame on %q: %v", b.iface, b.rx.ErrorFrame())
			continue
		}
		f := b.rx.Frame()
		select {
		case b.frames <- f:
		default:
			b.logger.Warnf("CAN receive queue full on %q, dropping frame 0x%x", b.iface, f.ID)
		}
	}

	select {
	case <-b.closed:
	default:
		if err := b.rx.Err(); err != nil {
			b.logger.Errorf("CAN read failed on %q: %v", b.iface, err)
		}
	}
}

func (b *socketCANBus) Send(ctx context.Context, frame can.Frame) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tx.TransmitFrame(ctx, frame); err != nil {
		return fmt.Errorf("CAN write on %q failed: %w", b.iface, err)
	}
	return nil
}

func (b *socketCANBus) Frames() <-chan can.Frame {
	return b.frames
}

func (b *socketCANBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
		<-b.loopDone
		b.logger.Infof("CAN interface %q uninitialized", b.iface)
	})
	return err
}
