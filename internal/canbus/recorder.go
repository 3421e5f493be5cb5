package canbus

import (
	"context"
	"sync"
	"time"

	"go.einride.tech/can"
)

// SentFrame is a frame accepted by the wrapped bus.
type SentFrame struct {
	Frame can.Frame
	At    time.Time
}

// Recorder wraps a Bus and keeps every frame that was sent successfully.
type Recorder struct {
	Bus

	mu   sync.Mutex
	sent []SentFrame
}

func NewRecorder(bus Bus) *Recorder {
	return &Recorder{Bus: bus}
}

func (r *Recorder) Send(ctx context.Context, frame can.Frame) error {
	at := time.Now()
	if err := r.Bus.Send(ctx, frame); err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, SentFrame{Frame: frame, At: at})
	r.mu.Unlock()
	return nil
}

// Sent returns a copy of the recorded frames in send order.
func (r *Recorder) Sent() []SentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SentFrame, len(r.sent))
	copy(out, r.sent)
	return out
}
