package mic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

// Clip records a single stretch of audio as a streamed WAV: the first chunk
// carries the header, later chunks are bare PCM. It is independent of the
// speech service.
type Clip struct {
	capture *Capture
	conv    *audio.Converter

	mu       sync.Mutex
	state    string
	out      chan []byte
	stopping chan struct{}
	timer    *time.Timer
	stopOnce *sync.Once
	first    bool
	timedOut atomic.Bool
}

func NewClip(capture *Capture, conv *audio.Converter) *Clip {
	return &Clip{capture: capture, conv: conv, state: "stopped"}
}

// State is one of starting, recording or stopped.
func (c *Clip) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TimedOut reports whether the last recording was ended by its timeout.
func (c *Clip) TimedOut() bool { return c.timedOut.Load() }

// Start begins recording. The returned channel yields encoded chunks and is
// closed by Stop, when timeout elapses, or when the device runs dry.
func (c *Clip) Start(ctx context.Context, timeout time.Duration) (<-chan []byte, error) {
	c.mu.Lock()
	if c.state != "stopped" {
		c.mu.Unlock()
		return nil, ErrAlreadyListening
	}
	c.state = "starting"
	c.out = make(chan []byte, 32)
	c.stopping = make(chan struct{})
	c.stopOnce = &sync.Once{}
	c.first = true
	c.timedOut.Store(false)
	out, stopping := c.out, c.stopping
	c.mu.Unlock()

	err := c.capture.Listen(ctx, func(block []float32) {
		c.mu.Lock()
		c.state = "recording"
		first := c.first
		c.first = false
		c.mu.Unlock()

		var chunk []byte
		if first {
			chunk = c.conv.ToWAV(block, true)
		} else {
			chunk = c.conv.ToChunk(block)
		}
		select {
		case out <- chunk:
		case <-stopping:
		}
	}, func(error) {
		c.Stop()
	})
	if err != nil {
		c.mu.Lock()
		c.state = "stopped"
		c.stopOnce = nil
		close(c.out)
		c.mu.Unlock()
		return nil, err
	}

	if timeout > 0 {
		c.mu.Lock()
		c.timer = time.AfterFunc(timeout, func() {
			c.timedOut.Store(true)
			c.Stop()
		})
		c.mu.Unlock()
	}
	return out, nil
}

// Stop ends the recording and releases the device. It is safe to call more
// than once.
func (c *Clip) Stop() {
	c.mu.Lock()
	once, stopping, out, timer := c.stopOnce, c.stopping, c.out, c.timer
	c.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		close(stopping)
		c.capture.Stop(true)
		if timer != nil {
			timer.Stop()
		}
		c.mu.Lock()
		c.state = "stopped"
		c.mu.Unlock()
		close(out)
	})
}
