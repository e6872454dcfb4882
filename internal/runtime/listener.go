package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/recorder"
	"github.com/loqalabs/loqa-listen/internal/speech"
)

// Publisher is the bus side of the listener.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Status describes the listener for the control surface.
type Status struct {
	Listening    bool   `json:"listening"`
	ConnectionID string `json:"connection_id,omitempty"`
	Socket       string `json:"socket"`
}

// listener owns the speech socket and runs the continuous recording loop.
// A socket that went away is replaced on the next Start.
type listener struct {
	cfg     config.Config
	version string
	mic     recorder.Microphone
	conv    *audio.Converter
	pub     Publisher
	store   *eventstore.Store
	dialer  speech.Dialer
	log     *slog.Logger
	now     func() time.Time

	ctx context.Context
	wg  sync.WaitGroup

	mu          sync.Mutex
	socket      *speech.Socket
	dialing     *speech.Socket
	stopPending bool
	rec         *recorder.Recorder
	loop        *recorder.Loop
	loopDone    chan struct{}
}

func newListener(ctx context.Context, cfg config.Config, version string, m recorder.Microphone, conv *audio.Converter, pub Publisher, store *eventstore.Store, dialer speech.Dialer, logger *slog.Logger) *listener {
	return &listener{
		cfg:     cfg,
		version: version,
		mic:     m,
		conv:    conv,
		pub:     pub,
		store:   store,
		dialer:  dialer,
		log:     logger.With(slog.String("component", "listener")),
		now:     time.Now,
		ctx:     ctx,
	}
}

// dial opens a new socket with its journal attached and binds a recorder to
// it. It runs without l.mu held.
func (l *listener) dial(ctx context.Context, socket *speech.Socket) (*recorder.Recorder, error) {
	journal := socket.Subscribe(64)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.store.Follow(l.ctx, socket.ConnectionID(), journal)
	}()

	dialCtx, cancel := context.WithTimeout(ctx, millis(l.cfg.Speech.ConnectTimeoutMS))
	defer cancel()
	if err := socket.Connect(dialCtx); err != nil {
		return nil, fmt.Errorf("connect speech service: %w", err)
	}
	return recorder.New(l.mic, socket, l.conv, recorder.Options{
		ContentType: l.cfg.Speech.ContentType,
		QueueSize:   l.cfg.Recorder.QueueSize,
	}, l.log), nil
}

func (l *listener) newSocket() (*speech.Socket, error) {
	endpoint, err := SpeechEndpoint(l.cfg.Speech)
	if err != nil {
		return nil, err
	}
	return speech.NewSocket(speech.Options{
		Endpoint:    endpoint,
		ContentType: l.cfg.Speech.ContentType,
		Client:      speech.DefaultClientInfo(l.version),
		Dialer:      l.dialer,
	}, l.log), nil
}

// Start begins the listen loop, dialing the speech service when the socket is
// gone. Starting while listening or connecting is a no-op. A Stop issued
// during the dial cancels the pending start.
func (l *listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.dialing != nil || l.loopRunning() {
		l.mu.Unlock()
		return nil
	}
	rec := l.rec
	if l.socket == nil || !l.socket.Connected() {
		socket, err := l.newSocket()
		if err != nil {
			l.mu.Unlock()
			return err
		}
		l.dialing = socket
		l.stopPending = false
		l.mu.Unlock()

		rec, err = l.dial(ctx, socket)

		l.mu.Lock()
		l.dialing = nil
		if err != nil {
			l.mu.Unlock()
			return err
		}
		l.socket = socket
		l.rec = rec
		if l.stopPending {
			l.stopPending = false
			l.mu.Unlock()
			l.log.Info("listen canceled while connecting", slog.String("connection_id", socket.ConnectionID()))
			return nil
		}
	}
	defer l.mu.Unlock()

	connectionID := l.socket.ConnectionID()
	loop := recorder.NewLoop(rec, recorder.LoopOptions{
		MaxDuration: millis(l.cfg.Recorder.MaxDurationMS),
		OnUpdate: func(r recorder.Recording) {
			if l.cfg.Recorder.PublishPartials {
				l.publish(protocol.SubjectRecordingPartial, connectionID, r)
			}
		},
		OnComplete: func(_ context.Context, r recorder.Recording) {
			r.Final = true
			l.publish(protocol.SubjectRecordingFinal, connectionID, r)
		},
	}, l.log)

	done := make(chan struct{})
	l.loop = loop
	l.loopDone = done
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(done)
		if err := loop.Run(l.ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Warn("listen loop ended", slog.String("error", err.Error()))
		}
	}()
	l.log.Info("listening", slog.String("connection_id", connectionID))
	return nil
}

// loopRunning reports whether the last loop is still going. Callers hold l.mu.
func (l *listener) loopRunning() bool {
	if l.loopDone == nil {
		return false
	}
	select {
	case <-l.loopDone:
		return false
	default:
		return true
	}
}

// Stop ends the current utterance and the loop after it.
func (l *listener) Stop() {
	l.mu.Lock()
	loop := l.loop
	if l.dialing != nil {
		l.stopPending = true
	}
	l.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

func (l *listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{Socket: speech.StateClosed.String()}
	if l.loop != nil {
		st.Listening = l.loop.Running()
	}
	socket := l.socket
	if l.dialing != nil {
		socket = l.dialing
	}
	if socket != nil {
		st.ConnectionID = socket.ConnectionID()
		st.Socket = socket.State().String()
	}
	return st
}

// Close stops listening, closes the socket and waits for the journal.
func (l *listener) Close() {
	l.Stop()
	l.mu.Lock()
	done := l.loopDone
	socket := l.socket
	l.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			l.log.Warn("listen loop did not stop in time")
		}
	}
	if socket != nil {
		_ = socket.Close()
	}
	l.wg.Wait()
}

func (l *listener) publish(subject, connectionID string, r recorder.Recording) {
	if l.pub == nil {
		return
	}
	msg := protocol.Recording{
		RecordingID:  r.ID,
		ConnectionID: connectionID,
		RequestID:    r.RequestID,
		Text:         r.Text,
		Status:       r.Status,
		Translations: r.Translations,
		Final:        r.Final,
		Timestamp:    l.now().UTC(),
	}
	if err := l.pub.PublishJSON(subject, msg); err != nil {
		l.log.Warn("failed to publish recording", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
