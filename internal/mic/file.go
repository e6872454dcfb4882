package mic

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// FileDevice replays a PCM WAV file as if it were a microphone. With realtime
// set, reads are paced to the file's sample rate.
type FileDevice struct {
	path       string
	realtime   bool
	sampleRate int
	channels   int
}

func NewFileDevice(path string, realtime bool) (*FileDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	return &FileDevice{
		path:       path,
		realtime:   realtime,
		sampleRate: int(dec.SampleRate),
		channels:   int(dec.NumChans),
	}, nil
}

func (d *FileDevice) SampleRate() int { return d.sampleRate }
func (d *FileDevice) Channels() int   { return d.channels }

func (d *FileDevice) Open(_ context.Context) (Stream, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s is not a valid wav file", d.path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek to pcm data: %w", err)
	}
	return &fileStream{
		file:     f,
		dec:      dec,
		buf:      &goaudio.IntBuffer{Format: dec.Format(), SourceBitDepth: int(dec.BitDepth)},
		scale:    float32(int(1) << (dec.BitDepth - 1)),
		realtime: d.realtime,
		rate:     d.sampleRate * d.channels,
		started:  time.Now(),
	}, nil
}

type fileStream struct {
	file     *os.File
	dec      *wav.Decoder
	buf      *goaudio.IntBuffer
	scale    float32
	realtime bool
	rate     int
	started  time.Time
	samples  int
}

func (s *fileStream) Read(p []float32) (int, error) {
	if cap(s.buf.Data) < len(p) {
		s.buf.Data = make([]int, len(p))
	}
	s.buf.Data = s.buf.Data[:len(p)]
	n, err := s.dec.PCMBuffer(s.buf)
	for i := 0; i < n; i++ {
		p[i] = float32(s.buf.Data[i]) / s.scale
	}
	s.samples += n
	if s.realtime && s.rate > 0 {
		due := s.started.Add(time.Duration(s.samples) * time.Second / time.Duration(s.rate))
		if wait := time.Until(due); wait > 0 {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *fileStream) Close() error {
	return s.file.Close()
}
