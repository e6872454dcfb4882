package mic

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDevice struct {
	mu       sync.Mutex
	rate     int
	channels int
	opens    int
	err      error
	streams  []*fakeStream
}

func (d *fakeDevice) SampleRate() int { return d.rate }
func (d *fakeDevice) Channels() int   { return d.channels }

func (d *fakeDevice) Open(context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeStream{feed: make(chan []float32, 8), closed: make(chan struct{})}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

type fakeStream struct {
	feed   chan []float32
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Read(p []float32) (int, error) {
	select {
	case data, ok := <-s.feed:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	case <-s.closed:
		return 0, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCaptureDeliversFirstChannel(t *testing.T) {
	dev := &fakeDevice{rate: 48000, channels: 2}
	c := NewCapture(dev, 4, newLogger())
	blocks := make(chan []float32, 4)
	if err := c.Listen(context.Background(), func(b []float32) { blocks <- b }, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if c.State() != StateListening {
		t.Fatalf("state = %s, want listening", c.State())
	}
	dev.last().feed <- []float32{0.1, 0.9, 0.2, 0.9, 0.3, 0.9, 0.4, 0.9}

	select {
	case b := <-blocks:
		want := []float32{0.1, 0.2, 0.3, 0.4}
		if len(b) != len(want) {
			t.Fatalf("block length %d, want %d", len(b), len(want))
		}
		for i := range want {
			if b[i] != want[i] {
				t.Fatalf("sample %d = %v, want %v", i, b[i], want[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no block delivered")
	}

	if err := c.Listen(context.Background(), func([]float32) {}, nil); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("expected ErrAlreadyListening, got %v", err)
	}
	c.Stop(true)
}

func TestCaptureReusesOpenStream(t *testing.T) {
	dev := &fakeDevice{rate: 16000, channels: 1}
	c := NewCapture(dev, 2, newLogger())
	noop := func([]float32) {}

	if err := c.Listen(context.Background(), noop, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	first := dev.last()
	c.Stop(false)
	if c.State() != StateStopped || first.isClosed() {
		t.Fatalf("stop(false) must keep the stream open")
	}

	if err := c.Listen(context.Background(), noop, nil); err != nil {
		t.Fatalf("second listen: %v", err)
	}
	if dev.opens != 1 {
		t.Fatalf("expected stream reuse, device opened %d times", dev.opens)
	}

	c.Stop(true)
	if !first.isClosed() {
		t.Fatalf("stop(true) must close the stream")
	}
	if err := c.Listen(context.Background(), noop, nil); err != nil {
		t.Fatalf("third listen: %v", err)
	}
	if dev.opens != 2 {
		t.Fatalf("expected reacquire after close, opens = %d", dev.opens)
	}
	c.Stop(true)
}

func TestCaptureNoCallbackAfterStop(t *testing.T) {
	dev := &fakeDevice{rate: 16000, channels: 1}
	c := NewCapture(dev, 1, newLogger())
	var mu sync.Mutex
	count := 0
	if err := c.Listen(context.Background(), func([]float32) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	stream := dev.last()
	stream.feed <- []float32{1}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	c.Stop(false)
	stream.feed <- []float32{1}
	stream.feed <- []float32{1}
	waitFor(t, func() bool { return len(stream.feed) == 0 })
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("callback ran %d times, want 1", count)
	}
	c.Stop(true)
}

func TestCaptureAcquisitionFailure(t *testing.T) {
	dev := &fakeDevice{rate: 16000, channels: 1, err: errors.New("permission denied")}
	c := NewCapture(dev, 1, newLogger())
	err := c.Listen(context.Background(), func([]float32) {}, nil)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", c.State())
	}
	if dev.opens != 1 {
		t.Fatalf("acquisition must not be retried, opens = %d", dev.opens)
	}
}

func TestCaptureStreamEnd(t *testing.T) {
	dev := &fakeDevice{rate: 16000, channels: 1}
	c := NewCapture(dev, 1, newLogger())
	ended := make(chan error, 2)
	if err := c.Listen(context.Background(), func([]float32) {}, func(err error) {
		// Stop from inside the end callback must not deadlock.
		c.Stop(true)
		ended <- err
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	stream := dev.last()
	close(stream.feed)

	select {
	case err := <-ended:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("end error = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("end of stream not reported")
	}
	if c.State() != StateStopped || !stream.isClosed() {
		t.Fatalf("capture must be stopped with the stream closed, state = %s", c.State())
	}
	time.Sleep(20 * time.Millisecond)
	if len(ended) != 0 {
		t.Fatalf("end reported more than once")
	}
}

func TestCaptureStreamFailureAfterStopIsSilent(t *testing.T) {
	dev := &fakeDevice{rate: 16000, channels: 1}
	c := NewCapture(dev, 1, newLogger())
	ended := make(chan error, 1)
	if err := c.Listen(context.Background(), func([]float32) {}, func(err error) { ended <- err }); err != nil {
		t.Fatalf("listen: %v", err)
	}
	c.Stop(true)
	select {
	case err := <-ended:
		t.Fatalf("end reported after stop: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFileDevice(t *testing.T) {
	conv := audio.NewConverter(1, 8000, 8000)
	block := make([]float32, 1000)
	for i := range block {
		block[i] = float32(math.Sin(float64(i) / 7))
	}
	path := filepath.Join(t.TempDir(), "input.wav")
	if err := audio.WriteWAVFile(path, conv.ToChunk(block), 8000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	dev, err := NewFileDevice(path, false)
	if err != nil {
		t.Fatalf("file device: %v", err)
	}
	if dev.SampleRate() != 8000 || dev.Channels() != 1 {
		t.Fatalf("unexpected format %d/%d", dev.SampleRate(), dev.Channels())
	}

	c := NewCapture(dev, 256, newLogger())
	var mu sync.Mutex
	var got []float32
	if err := c.Listen(context.Background(), func(b []float32) {
		mu.Lock()
		got = append(got, b...)
		mu.Unlock()
	}, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateStopped })

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(block) {
		t.Fatalf("replayed %d samples, want %d", len(got), len(block))
	}
	for i := range block {
		if math.Abs(float64(got[i]-block[i])) > 1e-3 {
			t.Fatalf("sample %d = %v, want about %v", i, got[i], block[i])
		}
	}
}

func TestExecDevice(t *testing.T) {
	if _, err := NewExecDevice("", 16000, 1, newLogger()); err == nil {
		t.Fatalf("expected error for empty command")
	}

	raw := make([]byte, 4*8)
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(i)/8))
	}
	path := filepath.Join(t.TempDir(), "raw.f32")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write raw: %v", err)
	}

	dev, err := NewExecDevice("cat '"+path+"'", 16000, 1, newLogger())
	if err != nil {
		t.Fatalf("exec device: %v", err)
	}
	c := NewCapture(dev, 4, newLogger())
	blocks := make(chan []float32, 4)
	if err := c.Listen(context.Background(), func(b []float32) { blocks <- b }, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	for n := 0; n < 2; n++ {
		select {
		case b := <-blocks:
			for i, v := range b {
				if want := float32(n*4+i) / 8; v != want {
					t.Fatalf("block %d sample %d = %v, want %v", n, i, v, want)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("block %d not delivered", n)
		}
	}
	waitFor(t, func() bool { return c.State() == StateStopped })
}

type recordingDevice struct {
	Device
	mu      sync.Mutex
	streams []Stream
}

func (d *recordingDevice) Open(ctx context.Context) (Stream, error) {
	s, err := d.Device.Open(ctx)
	if err == nil {
		d.mu.Lock()
		d.streams = append(d.streams, s)
		d.mu.Unlock()
	}
	return s, err
}

func TestExecDeviceStopReapsCommand(t *testing.T) {
	inner, err := NewExecDevice("cat /dev/zero", 16000, 1, newLogger())
	if err != nil {
		t.Fatalf("exec device: %v", err)
	}
	dev := &recordingDevice{Device: inner}
	c := NewCapture(dev, 64, newLogger())
	blocks := make(chan []float32, 1)
	if err := c.Listen(context.Background(), func(b []float32) {
		select {
		case blocks <- b:
		default:
		}
	}, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	select {
	case <-blocks:
	case <-time.After(2 * time.Second):
		t.Fatalf("no block delivered")
	}

	c.Stop(true)
	dev.mu.Lock()
	proc := dev.streams[0].(*execStream).cmd.Process
	dev.mu.Unlock()
	waitFor(t, func() bool {
		return errors.Is(proc.Signal(syscall.Signal(0)), os.ErrProcessDone)
	})
}

func TestExecDeviceNoSamples(t *testing.T) {
	dev, err := NewExecDevice("true", 16000, 1, newLogger())
	if err != nil {
		t.Fatalf("exec device: %v", err)
	}
	c := NewCapture(dev, 4, newLogger())
	if err := c.Listen(context.Background(), func([]float32) {}, nil); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestClip(t *testing.T) {
	dev := &fakeDevice{rate: 16000, channels: 1}
	clip := NewClip(NewCapture(dev, 4, newLogger()), audio.NewConverter(1, 16000, 16000))

	chunks, err := clip.Start(context.Background(), 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := dev.last()
	stream.feed <- []float32{0, 0, 0, 0}
	stream.feed <- []float32{0, 0, 0, 0}

	first := <-chunks
	second := <-chunks
	if len(first) != audio.HeaderSize+8 || string(first[:4]) != "RIFF" {
		t.Fatalf("first chunk must carry the wav header, got %d bytes", len(first))
	}
	if len(second) != 8 {
		t.Fatalf("second chunk must be bare pcm, got %d bytes", len(second))
	}
	if clip.State() != "recording" {
		t.Fatalf("state = %q, want recording", clip.State())
	}

	clip.Stop()
	clip.Stop()
	if _, ok := <-chunks; ok {
		t.Fatalf("expected chunk channel to be closed")
	}
	if !stream.isClosed() {
		t.Fatalf("stop must release the device")
	}
	if clip.TimedOut() {
		t.Fatalf("manual stop is not a timeout")
	}
}

func TestClipEndsWithDevice(t *testing.T) {
	dev := &fakeDevice{rate: 16000, channels: 1}
	clip := NewClip(NewCapture(dev, 4, newLogger()), audio.NewConverter(1, 16000, 16000))
	chunks, err := clip.Start(context.Background(), 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := dev.last()
	stream.feed <- []float32{0, 0, 0, 0}
	close(stream.feed)

	if first := <-chunks; len(first) != audio.HeaderSize+8 {
		t.Fatalf("first chunk has %d bytes", len(first))
	}
	select {
	case _, ok := <-chunks:
		if ok {
			t.Fatalf("unexpected extra chunk")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("clip stayed open after the device ended")
	}
	if clip.State() != "stopped" || clip.TimedOut() {
		t.Fatalf("state = %q timedOut = %v", clip.State(), clip.TimedOut())
	}
}

func TestClipTimeout(t *testing.T) {
	dev := &fakeDevice{rate: 16000, channels: 1}
	clip := NewClip(NewCapture(dev, 4, newLogger()), audio.NewConverter(1, 16000, 16000))
	chunks, err := clip.Start(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case _, ok := <-chunks:
		if ok {
			t.Fatalf("no chunks were fed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never stopped the clip")
	}
	if !clip.TimedOut() || clip.State() != "stopped" {
		t.Fatalf("expected timed out stopped clip")
	}
}
