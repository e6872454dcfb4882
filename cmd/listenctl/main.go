package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/mic"
	"github.com/loqalabs/loqa-listen/internal/recorder"
	"github.com/loqalabs/loqa-listen/internal/runtime"
	"github.com/loqalabs/loqa-listen/internal/speech"
)

var version = "0.1.0-dev"

const usage = "expected 'record', 'clip', 'inspect', 'languages' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "record":
		err = runRecord(ctx, os.Args[2:])
	case "clip":
		err = runClip(ctx, os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "languages":
		runLanguages()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runRecord streams one utterance to the speech service and prints each
// transcript snapshot.
func runRecord(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	out := fs.String("out", "", "Write the final recording to this WAV file")
	maxDuration := fs.Duration("max", 10*time.Second, "Maximum utterance duration")
	verbose := fs.Bool("v", false, "Verbose logging")
	fs.Parse(args)

	logger := newLogger(*verbose)
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	capture, conv, err := runtime.NewCapture(cfg.Audio, logger)
	if err != nil {
		return err
	}
	endpoint, err := runtime.SpeechEndpoint(cfg.Speech)
	if err != nil {
		return err
	}

	socket := speech.NewSocket(speech.Options{
		Endpoint:    endpoint,
		ContentType: cfg.Speech.ContentType,
		Client:      speech.DefaultClientInfo(version),
	}, logger)
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Speech.ConnectTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := socket.Connect(dialCtx); err != nil {
		return fmt.Errorf("connect speech service: %w", err)
	}
	defer socket.Close()

	rec := recorder.New(capture, socket, conv, recorder.Options{
		ContentType: cfg.Speech.ContentType,
		QueueSize:   cfg.Recorder.QueueSize,
	}, logger)
	recordings, err := rec.Record(ctx, *maxDuration, true)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "listening...")

	var wav []byte
	for r := range recordings {
		if r.Final {
			fmt.Printf("[%s] %s\n", r.Status, r.Text)
		} else {
			fmt.Printf("... %s\n", r.Text)
		}
		for lang, text := range r.Translations {
			fmt.Printf("    %s: %s\n", lang, text)
		}
		if r.WAV != nil {
			wav = r.WAV
		}
	}

	if *out == "" {
		return nil
	}
	if wav == nil {
		return errors.New("no final recording to save")
	}
	if err := audio.WriteRecording(*out, wav); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "saved %s\n", *out)
	return nil
}

// runClip captures audio locally without the speech service.
func runClip(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clip", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	out := fs.String("out", "clip.wav", "Output WAV file")
	timeout := fs.Duration("timeout", 5*time.Second, "Clip length")
	verbose := fs.Bool("v", false, "Verbose logging")
	fs.Parse(args)

	logger := newLogger(*verbose)
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	capture, conv, err := runtime.NewCapture(cfg.Audio, logger)
	if err != nil {
		return err
	}
	clip := mic.NewClip(capture, conv)
	chunks, err := clip.Start(ctx, *timeout)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		clip.Stop()
	}()
	var data []byte
	for chunk := range chunks {
		data = append(data, chunk...)
	}
	if len(data) <= audio.HeaderSize {
		return errors.New("no audio captured")
	}
	if err := audio.WriteRecording(*out, data); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "saved %s (timed out: %t)\n", *out, clip.TimedOut())
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	file := fs.String("file", "", "WAV file to inspect")
	fs.Parse(args)
	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}
	if *file == "" {
		return errors.New("inspect requires a WAV file")
	}
	info, err := audio.ReadWAVInfo(*file)
	if err != nil {
		return err
	}
	fmt.Printf("sample rate: %d Hz\nchannels:    %d\nbit depth:   %d\nframes:      %d\nduration:    %s\n",
		info.SampleRate, info.Channels, info.BitDepth, info.Frames, info.Duration)
	return nil
}

func runLanguages() {
	fmt.Println("source languages:")
	for _, l := range speech.TranslationSourceLanguages {
		fmt.Printf("  %-8s %s\n", l.Code, l.Name)
	}
	fmt.Println("target languages:")
	for _, l := range speech.TranslationTargetLanguages {
		fmt.Printf("  %-8s %s\n", l.Code, l.Name)
	}
}
