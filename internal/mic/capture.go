package mic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrAlreadyListening  = errors.New("capture already listening")
	ErrStopped           = errors.New("capture stopped during device acquisition")
)

type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAcquiring:
		return "acquiring"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Device opens audio input streams.
type Device interface {
	Open(ctx context.Context) (Stream, error)
	SampleRate() int
	Channels() int
}

// Stream yields interleaved float32 samples in [-1, 1].
type Stream interface {
	Read(p []float32) (int, error)
	Close() error
}

// BlockFunc receives one block of channel 0 samples. The block is owned by
// the callee.
type BlockFunc func(block []float32)

// EndFunc is told once when the stream ends or fails under an attached
// listener. err is io.EOF for a clean end of input. It runs without the
// capture lock held, so it may call Stop.
type EndFunc func(err error)

// Capture owns an audio device and delivers fixed size blocks to a single
// listener at a time.
type Capture struct {
	device    Device
	blockSize int
	log       *slog.Logger

	mu     sync.Mutex
	state  State
	stream Stream
	fn     BlockFunc
	end    EndFunc
}

func NewCapture(device Device, blockSize int, logger *slog.Logger) *Capture {
	if blockSize <= 0 {
		blockSize = 4096
	}
	return &Capture{
		device:    device,
		blockSize: blockSize,
		log:       logger.With(slog.String("component", "mic")),
	}
}

func (c *Capture) SampleRate() int { return c.device.SampleRate() }

func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Capture) Listening() bool { return c.State() == StateListening }

// Listen starts delivering blocks to fn. A stream left open by Stop(false) is
// reused; otherwise the device is acquired. Acquisition is not retried.
// end may be nil.
func (c *Capture) Listen(ctx context.Context, fn BlockFunc, end EndFunc) error {
	c.mu.Lock()
	if c.state == StateListening || c.state == StateAcquiring {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	if c.stream != nil {
		c.fn = fn
		c.end = end
		c.state = StateListening
		c.mu.Unlock()
		return nil
	}
	c.state = StateAcquiring
	c.mu.Unlock()

	stream, err := c.device.Open(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateStopped
		c.log.Error("audio device acquisition failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if c.state != StateAcquiring {
		_ = stream.Close()
		return ErrStopped
	}
	c.stream = stream
	c.fn = fn
	c.end = end
	c.state = StateListening
	c.log.Info("audio device acquired", slog.Int("sample_rate", c.device.SampleRate()), slog.Int("block_size", c.blockSize))
	go c.pump(stream)
	return nil
}

// Stop detaches the listener. No callback runs after Stop returns, so Stop
// must not be called from inside the callback. With closeStream the device is
// released and the next Listen reacquires it.
func (c *Capture) Stop(closeStream bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateListening || c.state == StateAcquiring {
		c.state = StateStopped
	}
	c.fn = nil
	c.end = nil
	if closeStream && c.stream != nil {
		if err := c.stream.Close(); err != nil {
			c.log.Warn("closing audio stream failed", slog.String("error", err.Error()))
		}
		c.stream = nil
		c.log.Info("audio device released")
	}
}

func (c *Capture) pump(stream Stream) {
	channels := c.device.Channels()
	if channels <= 0 {
		channels = 1
	}
	buf := make([]float32, c.blockSize*channels)
	for {
		n, err := readFull(stream, buf)
		if n > 0 {
			// A detached stream is read until it fails so the device can
			// finish its own cleanup.
			c.deliver(stream, firstChannel(buf[:n], channels))
		}
		if err != nil {
			c.finish(stream, err)
			return
		}
	}
}

func (c *Capture) finish(stream Stream, err error) {
	c.mu.Lock()
	if c.stream != stream {
		c.mu.Unlock()
		return
	}
	var end EndFunc
	if c.state == StateListening {
		end = c.end
		c.state = StateStopped
	}
	c.stream = nil
	c.fn = nil
	c.end = nil
	_ = stream.Close()
	if errors.Is(err, io.EOF) {
		c.log.Info("audio stream ended")
	} else {
		c.log.Warn("audio stream failed", slog.String("error", err.Error()))
	}
	c.mu.Unlock()

	if end != nil {
		end(err)
	}
}

func (c *Capture) deliver(stream Stream, block []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == stream && c.state == StateListening && c.fn != nil {
		c.fn(block)
	}
}

func readFull(stream Stream, buf []float32) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := stream.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrNoProgress
		}
	}
	return total, nil
}

func firstChannel(interleaved []float32, channels int) []float32 {
	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		out[i] = interleaved[i*channels]
	}
	return out
}
