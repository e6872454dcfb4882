package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/mic"
	"github.com/loqalabs/loqa-listen/internal/speech"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrRecordingActive = errors.New("a recording is already in progress")
	ErrNotConnected    = errors.New("speech socket is not connected")
)

// Microphone is the capture side of a recording.
type Microphone interface {
	Listen(ctx context.Context, fn mic.BlockFunc, end mic.EndFunc) error
	Stop(closeStream bool)
}

// Socket is the speech service side of a recording.
type Socket interface {
	Connected() bool
	BeginAudio(ctx context.Context, chunk []byte, contentType string) (string, error)
	ContinueAudio(ctx context.Context, chunk []byte) (string, error)
	EndAudio(ctx context.Context) (string, error)
	Subscribe(buffer int) *speech.Subscription
}

// Recording is a snapshot of the transcript of one utterance.
type Recording struct {
	ID           string
	RequestID    string
	Text         string
	Status       string
	WAV          []byte
	Translations map[string]string
	// Final is set on snapshots produced by a recognized phrase.
	Final bool
}

type Options struct {
	ContentType string
	QueueSize   int
	// DrainTimeout bounds the wait for the service to end the turn after the
	// audio device ran dry.
	DrainTimeout time.Duration
}

// Recorder streams microphone audio to the speech service one utterance at a
// time and turns the service events into Recording snapshots.
type Recorder struct {
	mic    Microphone
	socket Socket
	conv   *audio.Converter
	opts   Options
	log    *slog.Logger

	tracer     trace.Tracer
	recordings metric.Int64Counter
	chunks     metric.Int64Counter
	level      metric.Float64Histogram

	mu      sync.Mutex
	current *utterance
}

func New(m Microphone, socket Socket, conv *audio.Converter, opts Options, logger *slog.Logger) *Recorder {
	if opts.ContentType == "" {
		opts.ContentType = speech.DefaultAudioContentType
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	r := &Recorder{
		mic:    m,
		socket: socket,
		conv:   conv,
		opts:   opts,
		log:    logger.With(slog.String("component", "recorder")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-listen/recorder"),
	}
	r.initMetrics()
	return r
}

func (r *Recorder) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-listen/recorder")
	var err error
	if r.recordings, err = meter.Int64Counter("recorder.recordings", metric.WithDescription("Completed recordings by outcome")); err != nil {
		r.log.Warn("failed to create metric", slogError(err))
	}
	if r.chunks, err = meter.Int64Counter("recorder.chunks.sent", metric.WithUnit("{chunk}")); err != nil {
		r.log.Warn("failed to create metric", slogError(err))
	}
	if r.level, err = meter.Float64Histogram("recorder.input.level", metric.WithUnit("dBFS")); err != nil {
		r.log.Warn("failed to create metric", slogError(err))
	}
}

// Active reports whether an utterance is being recorded.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Record opens the microphone and streams one utterance. Snapshots are sent
// on the returned channel, which is closed when the service ends the turn,
// the socket goes away or ctx is done. maxDuration of zero means no limit.
func (r *Recorder) Record(ctx context.Context, maxDuration time.Duration, closeStream bool) (<-chan Recording, error) {
	if !r.socket.Connected() {
		return nil, ErrNotConnected
	}
	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return nil, ErrRecordingActive
	}
	u := &utterance{
		r:           r,
		id:          xid.New().String(),
		closeStream: closeStream,
		queue:       make(chan []float32, r.opts.QueueSize),
		halt:        make(chan struct{}),
		audioDone:   make(chan struct{}),
		deviceEnded: make(chan struct{}),
		transcript:  NewTranscript(),
	}
	r.current = u
	r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "recorder.Record", trace.WithAttributes(attribute.String("recording.id", u.id)))
	log := r.log.With(slog.String("recording_id", u.id))
	u.log = log

	sub := r.socket.Subscribe(32)
	if err := r.mic.Listen(ctx, u.enqueue, u.deviceEnd); err != nil {
		sub.Unsubscribe()
		r.release(u)
		span.RecordError(err)
		span.SetStatus(codes.Error, "microphone unavailable")
		span.End()
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	log.Info("recording started", slog.Duration("max_duration", maxDuration), slog.Bool("close_stream", closeStream))

	if maxDuration > 0 {
		u.timer = time.AfterFunc(maxDuration, func() {
			log.Debug("max duration reached")
			u.stop()
		})
	}

	out := make(chan Recording, 16)
	go u.send(ctx)
	go u.run(ctx, sub, out, span)
	return out, nil
}

// Stop ends the current utterance and releases the audio device. It may be
// called any number of times.
func (r *Recorder) Stop() {
	r.mu.Lock()
	u := r.current
	r.mu.Unlock()
	if u != nil {
		u.stopWith(true)
	}
}

// Release closes the audio device kept open between utterances.
func (r *Recorder) Release() {
	r.mu.Lock()
	idle := r.current == nil
	r.mu.Unlock()
	if idle {
		r.mic.Stop(true)
	}
}

func (r *Recorder) release(u *utterance) {
	r.mu.Lock()
	if r.current == u {
		r.current = nil
	}
	r.mu.Unlock()
}

type utterance struct {
	r           *Recorder
	id          string
	log         *slog.Logger
	closeStream bool

	queue       chan []float32
	halt        chan struct{}
	audioDone   chan struct{}
	deviceEnded chan struct{}
	deviceOnce  sync.Once
	stopOnce    sync.Once
	stopped     atomic.Bool
	begun       atomic.Bool
	timer       *time.Timer

	wavMu     sync.Mutex
	wav       bytes.Buffer
	requestID string

	transcript   *Transcript
	status       string
	translations map[string]string
}

// enqueue runs on the capture goroutine and only hands the block over.
func (u *utterance) enqueue(block []float32) {
	select {
	case u.queue <- block:
	case <-u.halt:
	}
}

func (u *utterance) stop() { u.stopWith(u.closeStream) }

// deviceEnd runs on the capture goroutine when the input stream ends under
// this utterance. Queued audio is still sent and followed by the end frame.
func (u *utterance) deviceEnd(err error) {
	u.deviceOnce.Do(func() {
		if errors.Is(err, io.EOF) {
			u.log.Info("audio input ended during recording")
		} else {
			u.log.Warn("audio input failed during recording", slogError(err))
		}
		close(u.deviceEnded)
	})
	u.stop()
}

func (u *utterance) endedByDevice() bool {
	select {
	case <-u.deviceEnded:
		return true
	default:
		return false
	}
}

func (u *utterance) stopWith(closeStream bool) {
	u.stopOnce.Do(func() {
		u.stopped.Store(true)
		close(u.halt)
		u.r.mic.Stop(closeStream)
		close(u.queue)
		u.log.Debug("recording stopped", slog.Bool("close_stream", closeStream))
	})
}

// send encodes queued blocks in capture order. The first block carries the
// WAV header; the end-of-audio frame follows the last block.
func (u *utterance) send(ctx context.Context) {
	defer close(u.audioDone)
	r := u.r
	for block := range u.queue {
		if r.level != nil {
			if db := audio.Decibels(block); !math.IsInf(db, 0) {
				r.level.Record(ctx, db)
			}
		}
		var err error
		if !u.begun.Load() {
			chunk := r.conv.ToWAV(block, true)
			u.appendAudio(chunk)
			var id string
			id, err = r.socket.BeginAudio(ctx, chunk, r.opts.ContentType)
			if err == nil {
				u.begun.Store(true)
				u.wavMu.Lock()
				u.requestID = id
				u.wavMu.Unlock()
			}
		} else {
			chunk := r.conv.ToChunk(block)
			u.appendAudio(chunk)
			_, err = r.socket.ContinueAudio(ctx, chunk)
		}
		if err != nil {
			u.log.Warn("sending audio failed", slogError(err))
			continue
		}
		if r.chunks != nil {
			r.chunks.Add(ctx, 1)
		}
	}
	if !u.begun.Load() {
		return
	}
	if _, err := r.socket.EndAudio(ctx); err != nil && !errors.Is(err, speech.ErrNoActiveRequest) {
		u.log.Warn("ending audio failed", slogError(err))
	}
}

func (u *utterance) appendAudio(chunk []byte) {
	u.wavMu.Lock()
	u.wav.Write(chunk)
	u.wavMu.Unlock()
}

func (u *utterance) recordedWAV() []byte {
	u.wavMu.Lock()
	defer u.wavMu.Unlock()
	if u.wav.Len() == 0 {
		return nil
	}
	wav, err := audio.FinalizeWAV(u.wav.Bytes())
	if err != nil {
		u.log.Warn("finalizing recording failed", slogError(err))
		return nil
	}
	return wav
}

// run consumes socket events until the utterance reaches a terminal state,
// then releases the subscription, timer, microphone and sender together.
func (u *utterance) run(ctx context.Context, sub *speech.Subscription, out chan<- Recording, span trace.Span) {
	outcome := "turn_end"
	defer func() {
		if u.endedByDevice() && (outcome == "turn_end" || outcome == "empty") {
			outcome = "device_ended"
		}
		sub.Unsubscribe()
		if u.timer != nil {
			u.timer.Stop()
		}
		u.stop()
		<-u.audioDone
		close(out)
		u.r.release(u)
		if u.r.recordings != nil {
			u.r.recordings.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		span.SetAttributes(attribute.String("recording.outcome", outcome))
		span.End()
		u.log.Info("recording complete", slog.String("outcome", outcome), slog.Int("parts", u.transcript.Len()))
	}()

	audioDone := u.audioDone
	deviceEnded := u.deviceEnded
	var drain <-chan time.Time
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				outcome = "disconnected"
				u.log.Warn("speech socket closed during recording")
				return
			}
			if terminal, why := u.handle(ctx, evt, out); terminal {
				outcome = why
				return
			}
		case <-audioDone:
			audioDone = nil
			if !u.begun.Load() {
				outcome = "empty"
				return
			}
		case <-deviceEnded:
			deviceEnded = nil
			drainTimer := time.NewTimer(u.r.opts.DrainTimeout)
			defer drainTimer.Stop()
			drain = drainTimer.C
		case <-drain:
			u.log.Warn("speech service did not end the turn after audio input ended")
			return
		case <-ctx.Done():
			outcome = "canceled"
			return
		}
	}
}

func (u *utterance) handle(ctx context.Context, evt speech.Event, out chan<- Recording) (bool, string) {
	switch evt.Type {
	case speech.EventSpeechStart:
		u.transcript.Reset()
	case speech.EventSpeechHypothesis:
		u.transcript.Put(evt.Hypothesis.Offset, evt.Hypothesis.Text)
		u.emit(ctx, out, false)
	case speech.EventSpeechPhrase:
		u.status = evt.Phrase.RecognitionStatus
		u.transcript.Put(evt.Phrase.Offset, evt.Phrase.DisplayText)
		u.emit(ctx, out, true)
	case speech.EventTranslationHypothesis:
		u.transcript.Put(evt.TranslationHypothesis.Offset, evt.TranslationHypothesis.Text)
		u.setTranslations(evt.TranslationHypothesis.Translation)
		u.emit(ctx, out, false)
	case speech.EventTranslationPhrase:
		u.status = evt.TranslationPhrase.RecognitionStatus
		u.transcript.Put(evt.TranslationPhrase.Offset, evt.TranslationPhrase.Text)
		u.setTranslations(evt.TranslationPhrase.Translation)
		u.emit(ctx, out, true)
	case speech.EventSpeechEnd:
		u.stop()
	case speech.EventTurnEnd:
		return true, "turn_end"
	case speech.EventDisconnected:
		u.log.Warn("speech socket disconnected during recording")
		return true, "disconnected"
	case speech.EventError:
		u.log.Warn("speech event error", slogError(evt.Err))
	}
	return false, ""
}

func (u *utterance) stoppedWAV() []byte {
	if !u.stopped.Load() {
		return nil
	}
	return u.recordedWAV()
}

func (u *utterance) setTranslations(info speech.TranslationInfo) {
	if len(info.Translations) == 0 {
		return
	}
	u.translations = make(map[string]string, len(info.Translations))
	for _, t := range info.Translations {
		u.translations[t.Language] = t.Text
	}
}

func (u *utterance) emit(ctx context.Context, out chan<- Recording, final bool) {
	var wav []byte
	if final {
		wav = u.stoppedWAV()
	}
	u.wavMu.Lock()
	requestID := u.requestID
	u.wavMu.Unlock()
	rec := Recording{
		ID:        u.id,
		RequestID: requestID,
		Text:      u.transcript.Text(),
		Status:    u.status,
		WAV:       wav,
		Final:     final,
	}
	if len(u.translations) > 0 {
		rec.Translations = make(map[string]string, len(u.translations))
		for k, v := range u.translations {
			rec.Translations[k] = v
		}
	}
	select {
	case out <- rec:
	case <-ctx.Done():
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
