package mic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecDevice captures audio from a command that writes raw little-endian
// float32 samples to stdout, e.g.
//
//	arecord -q -t raw -f FLOAT_LE -c 1 -r 48000
type ExecDevice struct {
	args       []string
	sampleRate int
	channels   int
	log        *slog.Logger
}

func NewExecDevice(command string, sampleRate, channels int, logger *slog.Logger) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("audio command is empty")
	}
	if sampleRate <= 0 {
		return nil, errors.New("audio sample rate must be positive")
	}
	if channels <= 0 {
		channels = 1
	}
	return &ExecDevice{
		args:       args,
		sampleRate: sampleRate,
		channels:   channels,
		log:        logger.With(slog.String("component", "exec-device")),
	}, nil
}

func (d *ExecDevice) SampleRate() int { return d.sampleRate }
func (d *ExecDevice) Channels() int   { return d.channels }

// Open starts the command and waits for its first samples, so a missing or
// busy device is reported here rather than on the first read.
func (d *ExecDevice) Open(ctx context.Context) (Stream, error) {
	cmd := exec.Command(d.args[0], d.args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audio command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start audio command: %w", err)
	}

	reader := bufio.NewReaderSize(stdout, 64*1024)
	peeked := make(chan error, 1)
	go func() {
		_, err := reader.Peek(4)
		peeked <- err
	}()

	select {
	case err := <-peeked:
		if err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("audio command produced no samples: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-peeked
		_ = cmd.Wait()
		return nil, ctx.Err()
	}

	d.log.Debug("audio command started", slog.String("command", d.args[0]), slog.Int("pid", cmd.Process.Pid))
	return &execStream{cmd: cmd, reader: reader, log: d.log}, nil
}

// execStream is read by a single goroutine. Close only kills the process and
// the reader reaps it after its last pipe read.
type execStream struct {
	cmd    *exec.Cmd
	reader *bufio.Reader
	raw    []byte
	log    *slog.Logger
	kill   sync.Once
	reaped bool
}

func (s *execStream) Read(p []float32) (int, error) {
	size := len(p) * 4
	if cap(s.raw) < size {
		s.raw = make([]byte, size)
	}
	raw := s.raw[:size]
	n, err := io.ReadFull(s.reader, raw)
	samples := n / 4
	for i := 0; i < samples; i++ {
		p[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err != nil {
		s.reap()
	}
	return samples, err
}

func (s *execStream) reap() {
	if s.reaped {
		return
	}
	s.reaped = true
	if err := s.cmd.Wait(); err != nil {
		s.log.Debug("audio command exited", slog.String("error", err.Error()))
	}
}

func (s *execStream) Close() error {
	s.kill.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}
