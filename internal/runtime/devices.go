package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/mic"
	"github.com/loqalabs/loqa-listen/internal/speech"
)

// SpeechEndpoint builds the service endpoint selected by cfg.Mode.
func SpeechEndpoint(cfg config.SpeechConfig) (speech.Endpoint, error) {
	switch cfg.Mode {
	case "stt":
		return speech.STT(cfg.Region, cfg.Key, cfg.Language), nil
	case "s2s":
		return speech.S2S(cfg.Region, cfg.Key, cfg.From, cfg.To), nil
	case "endpoint":
		return speech.FromEndpoint(cfg.Endpoint, cfg.Key), nil
	default:
		return speech.Endpoint{}, fmt.Errorf("unknown speech mode %q", cfg.Mode)
	}
}

// NewDevice opens the capture device described by cfg.
func NewDevice(cfg config.AudioConfig, logger *slog.Logger) (mic.Device, error) {
	switch cfg.Device {
	case "exec":
		return mic.NewExecDevice(cfg.Command, cfg.SampleRate, cfg.Channels, logger)
	case "file":
		return mic.NewFileDevice(cfg.File, cfg.Realtime)
	default:
		return nil, fmt.Errorf("unknown audio device %q", cfg.Device)
	}
}

// NewCapture wires the configured device to a capture and a converter for
// the configured output rate. Capture delivers a single channel.
func NewCapture(cfg config.AudioConfig, logger *slog.Logger) (*mic.Capture, *audio.Converter, error) {
	device, err := NewDevice(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	capture := mic.NewCapture(device, cfg.BlockSize, logger)
	conv := audio.NewConverter(1, device.SampleRate(), cfg.OutputRate)
	return capture, conv, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
