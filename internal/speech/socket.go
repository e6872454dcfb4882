package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNoActiveRequest is returned when audio is continued or ended before
	// BeginAudio opened an utterance.
	ErrNoActiveRequest = errors.New("must call BeginAudio first")
	// ErrClosed reports a send attempted on a socket that is no longer open.
	ErrClosed = errors.New("speech socket closed")
)

type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is the subset of *websocket.Conn the socket needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial speech service: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial speech service: %w", err)
	}
	return conn, nil
}

// ClientInfo is reported to the service in the speech.config message.
type ClientInfo struct {
	SystemVersion string
	OSPlatform    string
	OSName        string
	OSVersion     string
	Manufacturer  string
	Model         string
	DeviceVersion string
}

func DefaultClientInfo(version string) ClientInfo {
	return ClientInfo{
		SystemVersion: "loqa-listen " + version,
		OSPlatform:    goruntime.GOOS + "/" + goruntime.GOARCH,
		OSName:        goruntime.GOOS,
		Manufacturer:  "loqalabs",
		Model:         "loqa-listen",
		DeviceVersion: version,
	}
}

type Options struct {
	Endpoint    Endpoint
	ContentType string
	Client      ClientInfo
	Dialer      Dialer
}

// Socket is one connection to the speech service. It is not reusable: create
// a new Socket to reconnect.
type Socket struct {
	endpoint     Endpoint
	contentType  string
	client       ClientInfo
	dialer       Dialer
	log          *slog.Logger
	connectionID string

	state   atomic.Int32
	writeMu sync.Mutex
	conn    Conn
	ready   chan struct{}
	done    chan struct{}

	reqMu     sync.Mutex
	requestID string

	subsMu    sync.Mutex
	subs      map[*Subscription]struct{}
	completed bool

	newID func() string
	now   func() time.Time

	framesSent metric.Int64Counter
	bytesSent  metric.Int64Counter
	frameSize  metric.Int64Histogram
	received   metric.Int64Counter
}

func NewSocket(opts Options, logger *slog.Logger) *Socket {
	if opts.ContentType == "" {
		opts.ContentType = DefaultAudioContentType
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Client == (ClientInfo{}) {
		opts.Client = DefaultClientInfo("dev")
	}
	s := &Socket{
		endpoint:     opts.Endpoint,
		contentType:  opts.ContentType,
		client:       opts.Client,
		dialer:       opts.Dialer,
		connectionID: NewID(),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		subs:         make(map[*Subscription]struct{}),
		newID:        NewID,
		now:          time.Now,
	}
	s.log = logger.With(slog.String("component", "speech-socket"), slog.String("connection_id", s.connectionID))
	s.initMetrics()
	return s
}

func (s *Socket) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-listen/speech")
	var err error
	if s.framesSent, err = meter.Int64Counter("speech.frames.sent", metric.WithUnit("{frame}"), metric.WithDescription("Protocol frames written to the speech service")); err != nil {
		s.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if s.bytesSent, err = meter.Int64Counter("speech.bytes.sent", metric.WithUnit("By")); err != nil {
		s.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if s.frameSize, err = meter.Int64Histogram("speech.frame.size", metric.WithUnit("By"), metric.WithDescription("Size of binary audio frames")); err != nil {
		s.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if s.received, err = meter.Int64Counter("speech.events.received", metric.WithUnit("{event}")); err != nil {
		s.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
}

func (s *Socket) ConnectionID() string { return s.connectionID }

func (s *Socket) State() State { return State(s.state.Load()) }

func (s *Socket) Connected() bool { return s.State() == StateOpen }

// Done is closed once the transport has shut down.
func (s *Socket) Done() <-chan struct{} { return s.done }

// RequestID returns the id of the utterance currently being streamed, if any.
func (s *Socket) RequestID() string {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return s.requestID
}

// Connect dials the service, sends speech.config and opens the ready gate.
func (s *Socket) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateClosed), int32(StateConnecting)) {
		return fmt.Errorf("speech socket is %s", s.State())
	}
	select {
	case <-s.done:
		s.state.Store(int32(StateClosed))
		return ErrClosed
	default:
	}

	conn, err := s.dialer.Dial(ctx, s.endpoint.URL(s.connectionID))
	if err != nil {
		s.log.Error("speech connect failed", slog.String("error", err.Error()))
		s.state.Store(int32(StateClosed))
		close(s.done)
		s.complete()
		return err
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	s.state.Store(int32(StateOpen))

	if err := s.sendConfig(); err != nil {
		s.log.Error("failed to send speech config", slog.String("error", err.Error()))
		_ = conn.Close()
		s.state.Store(int32(StateClosed))
		close(s.done)
		s.complete()
		return fmt.Errorf("send speech config: %w", err)
	}
	close(s.ready)
	s.log.Info("speech socket open")
	s.publish(Event{Type: EventConnected})

	go s.readLoop(conn)
	return nil
}

func (s *Socket) sendConfig() error {
	var cfg struct {
		Context struct {
			System struct {
				Version string `json:"version"`
			} `json:"system"`
			OS struct {
				Platform string `json:"platform"`
				Name     string `json:"name"`
				Version  string `json:"version"`
			} `json:"os"`
			Device struct {
				Manufacturer string `json:"manufacturer"`
				Model        string `json:"model"`
				Version      string `json:"version"`
			} `json:"device"`
		} `json:"context"`
	}
	cfg.Context.System.Version = s.client.SystemVersion
	cfg.Context.OS.Platform = s.client.OSPlatform
	cfg.Context.OS.Name = s.client.OSName
	cfg.Context.OS.Version = s.client.OSVersion
	cfg.Context.Device.Manufacturer = s.client.Manufacturer
	cfg.Context.Device.Model = s.client.Model
	cfg.Context.Device.Version = s.client.DeviceVersion

	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	headers := Headers{HeaderContentType: "application/json"}
	_, err = s.write("speech.config", headers, body, false)
	return err
}

// Audio streams one chunk of the current utterance. The first call manufactures
// the request id that later calls reuse; an empty chunk ends the utterance and
// clears it. The utterance's request id is returned.
func (s *Socket) Audio(ctx context.Context, chunk []byte) (string, error) {
	s.reqMu.Lock()
	current := s.requestID
	s.reqMu.Unlock()

	if len(chunk) == 0 && current == "" {
		return "", ErrNoActiveRequest
	}
	headers := Headers{HeaderContentType: s.contentType}
	if current != "" {
		headers[HeaderRequestID] = current
	}
	if chunk == nil {
		chunk = []byte{}
	}
	id, err := s.send(ctx, "audio", headers, chunk)
	if err != nil {
		return "", err
	}

	s.reqMu.Lock()
	if len(chunk) == 0 {
		s.requestID = ""
	} else if s.requestID == "" {
		s.requestID = id
	}
	s.reqMu.Unlock()
	return id, nil
}

// BeginAudio opens a new utterance with its first, headered, chunk.
func (s *Socket) BeginAudio(ctx context.Context, chunk []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = s.contentType
	}
	id, err := s.send(ctx, "audio", Headers{HeaderContentType: contentType}, chunk)
	if err != nil {
		return "", err
	}
	s.reqMu.Lock()
	s.requestID = id
	s.reqMu.Unlock()
	return id, nil
}

func (s *Socket) ContinueAudio(ctx context.Context, chunk []byte) (string, error) {
	id, err := s.activeRequest()
	if err != nil {
		return "", err
	}
	headers := Headers{HeaderRequestID: id, HeaderContentType: s.contentType}
	return s.send(ctx, "audio", headers, chunk)
}

// EndAudio sends the zero-length frame that closes the utterance.
func (s *Socket) EndAudio(ctx context.Context) (string, error) {
	id, err := s.activeRequest()
	if err != nil {
		return "", err
	}
	headers := Headers{HeaderRequestID: id, HeaderContentType: s.contentType}
	if _, err := s.send(ctx, "audio", headers, []byte{}); err != nil {
		return "", err
	}
	s.reqMu.Lock()
	if s.requestID == id {
		s.requestID = ""
	}
	s.reqMu.Unlock()
	return id, nil
}

func (s *Socket) activeRequest() (string, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.requestID == "" {
		return "", ErrNoActiveRequest
	}
	return s.requestID, nil
}

// send waits for the ready gate and writes a binary frame. Frames that hit a
// closed socket are dropped without error.
func (s *Socket) send(ctx context.Context, path string, headers Headers, body []byte) (string, error) {
	select {
	case <-s.ready:
	case <-s.done:
		s.log.Debug("dropping frame, socket closed", slog.String("path", path))
		return headers[HeaderRequestID], nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
	id, err := s.write(path, headers, body, true)
	if errors.Is(err, ErrClosed) {
		s.log.Debug("dropping frame, socket closed", slog.String("path", path))
		return id, nil
	}
	return id, err
}

func (s *Socket) write(path string, headers Headers, body []byte, binary bool) (string, error) {
	msg := Message{Headers: Headers{
		HeaderPath:      path,
		HeaderTimestamp: s.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		HeaderRequestID: s.newID(),
	}, Body: body}
	for k, v := range headers {
		msg.Headers[k] = v
	}
	id := msg.Headers[HeaderRequestID]

	var (
		frame []byte
		kind  int
	)
	if binary {
		var err error
		if frame, err = EncodeBinary(msg); err != nil {
			return "", err
		}
		kind = websocket.BinaryMessage
	} else {
		frame = EncodeText(msg)
		kind = websocket.TextMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() != StateOpen || s.conn == nil {
		return id, ErrClosed
	}
	if err := s.conn.WriteMessage(kind, frame); err != nil {
		s.log.Warn("speech frame write failed", slog.String("path", path), slog.String("error", err.Error()))
		return id, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if s.framesSent != nil {
		s.framesSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("path", path)))
	}
	if s.bytesSent != nil {
		s.bytesSent.Add(context.Background(), int64(len(frame)))
	}
	if binary && s.frameSize != nil {
		s.frameSize.Record(context.Background(), int64(len(frame)))
	}
	return id, nil
}

// Close shuts the transport. Pending and later sends are dropped.
func (s *Socket) Close() error {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *Socket) readLoop(conn Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if s.State() == StateClosing {
				s.log.Info("speech socket closed")
			} else {
				s.log.Warn("speech socket closed unexpectedly", slog.String("error", err.Error()))
			}
			break
		}

		var msg Message
		switch kind {
		case websocket.TextMessage:
			msg = DecodeText(data)
		case websocket.BinaryMessage:
			if msg, err = DecodeBinary(data); err != nil {
				s.publish(Event{Type: EventError, Err: err})
				continue
			}
		default:
			continue
		}
		s.dispatch(msg)
	}

	s.writeMu.Lock()
	s.state.Store(int32(StateClosed))
	_ = conn.Close()
	s.writeMu.Unlock()

	close(s.done)
	s.publish(Event{Type: EventDisconnected})
	s.complete()
}

func (s *Socket) dispatch(msg Message) {
	evt, ok := decodeEvent(msg)
	if !ok {
		s.log.Warn("unknown speech event", slog.String("path", msg.Path()), slog.Int("body_bytes", len(msg.Body)))
		return
	}
	if s.received != nil {
		s.received.Add(context.Background(), 1, metric.WithAttributes(attribute.String("path", string(evt.Type))))
	}
	if evt.Type == EventError {
		s.log.Warn("speech event decode failed", slog.String("path", msg.Path()), slog.String("error", evt.Err.Error()))
	}
	s.reqMu.Lock()
	evt.RequestID = s.requestID
	if evt.Type == EventTurnEnd {
		s.requestID = ""
	}
	s.reqMu.Unlock()
	s.publish(evt)
}
