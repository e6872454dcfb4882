package recorder

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type LoopOptions struct {
	MaxDuration time.Duration
	// OnUpdate receives every snapshot of the running utterance.
	OnUpdate func(Recording)
	// OnComplete receives the last snapshot of each utterance that produced
	// any text events.
	OnComplete func(context.Context, Recording)
}

// Loop records utterance after utterance, keeping the audio device open in
// between, until Stop is called or the context ends. Each utterance gets its
// own request id on the speech service. A Loop runs once; a Stop issued
// before Run starts still applies.
type Loop struct {
	rec     *Recorder
	opts    LoopOptions
	log     *slog.Logger
	stopped atomic.Bool
	running atomic.Bool
}

func NewLoop(rec *Recorder, opts LoopOptions, logger *slog.Logger) *Loop {
	return &Loop{rec: rec, opts: opts, log: logger.With(slog.String("component", "listen-loop"))}
}

func (l *Loop) Running() bool { return l.running.Load() }

func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)
	defer l.rec.Release()

	for segment := 1; !l.stopped.Load(); segment++ {
		recordings, err := l.rec.Record(ctx, l.opts.MaxDuration, false)
		if err != nil {
			l.log.Error("listen loop stopped", slog.Int("segment", segment), slogError(err))
			return err
		}
		// Stop may have landed before the utterance was registered.
		if l.stopped.Load() {
			l.rec.Stop()
		}

		var (
			last Recording
			seen bool
		)
		for rec := range recordings {
			last, seen = rec, true
			if l.opts.OnUpdate != nil {
				l.opts.OnUpdate(rec)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen && l.opts.OnComplete != nil {
			l.opts.OnComplete(ctx, last)
		}
		l.log.Debug("segment complete", slog.Int("segment", segment), slog.String("text", last.Text))
	}
	return nil
}

// Stop ends the current utterance and prevents the next one from starting.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.rec.Stop()
}
