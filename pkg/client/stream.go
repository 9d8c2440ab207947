package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"
)

// StreamState describes where a subscription is in its lifecycle.
type StreamState string

const (
	StateConnecting   StreamState = "CONNECTING"
	StateOpen         StreamState = "OPEN"
	StateReceiving    StreamState = "RECEIVING"
	StateReconnecting StreamState = "RECONNECTING"
	StateClosed       StreamState = "CLOSED"
)

const handshakeTimeout = 45 * time.Second

// StreamArgs configures a subscription opened with Stream.
type StreamArgs struct {
	// Reconnect redials after an unexpected disconnect. Deliberate
	// cancellation never reconnects.
	Reconnect bool
	// MaxRetries caps consecutive failed redials. 0 means unlimited.
	MaxRetries int
	// InitialBackoff is the first redial delay. Defaults to 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps the redial delay. Defaults to 30s.
	MaxBackoff time.Duration
	// Protocols lists websocket subprotocols to offer during the handshake.
	Protocols []string
}

// Subscription is one live websocket stream. Frames are delivered on a
// channel owned by the subscription's reader goroutine; the channel is closed
// when the subscription ends for any reason. Each subscription owns exactly
// one socket at a time and its own reconnect timer, so a stalled or
// backing-off subscription never delays the others.
type Subscription struct {
	url    *url.URL
	header http.Header
	args   StreamArgs
	dialer *websocket.Dialer
	ctx    context.Context

	frames chan json.RawMessage
	done   chan struct{}
	once   sync.Once

	writeMu sync.Mutex

	mu    sync.Mutex
	conn  *websocket.Conn
	state StreamState
	err   error
}

// Stream opens a websocket subscription to path. The handshake runs before
// Stream returns: a nil error means the subscription is live, a non-nil error
// means it never opened. Later failures are reported through Err after the
// frame channel closes.
//
// The subscription is tied to ctx; cancelling it behaves like Cancel.
func (c *Client) Stream(ctx context.Context, path string, args *StreamArgs, q QueryParameters) (*Subscription, error) {
	if args == nil {
		args = &StreamArgs{}
	}

	u := c.endpoint(path, q)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := http.Header{}
	if tok := c.Token(c.Cluster()); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	s := &Subscription{
		url:    u,
		header: header,
		args:   *args,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     args.Protocols,
		},
		ctx:    ctx,
		frames: make(chan json.RawMessage, 16),
		done:   make(chan struct{}),
		state:  StateConnecting,
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.setConn(conn)
	s.setState(StateOpen)

	go s.run(conn)
	go s.watchContext()
	return s, nil
}

// Frames returns the channel messages arrive on. It is closed when the
// subscription ends; check Err afterwards to distinguish cancellation from
// failure.
func (s *Subscription) Frames() <-chan json.RawMessage { return s.frames }

// Done is closed once the subscription is cancelled or fails for good.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended. It is nil after a deliberate
// Cancel or a clean server close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Socket exposes the current underlying connection for inspection. It may be
// nil mid-reconnect and is replaced after every redial. The subscription's
// reader owns it; do not read from it.
func (s *Subscription) Socket() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Send writes one text message to the socket, for protocols that carry
// client input alongside the server stream.
func (s *Subscription) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.state == StateClosed
	s.mu.Unlock()

	if closed || conn == nil {
		return &APIError{Status: 0, Message: "subscription is closed"}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Cancel tears the subscription down. It is safe to call any number of times
// from any goroutine; the first call wins and the rest are no-ops. The
// subscription is marked closed before Cancel returns, while the socket
// teardown itself finishes in the background.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		conn := s.conn
		s.mu.Unlock()

		close(s.done)

		if conn != nil {
			go func() {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				conn.Close()
			}()
		}
	})
}

func (s *Subscription) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url.String(), s.header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, classifyResponse(resp.StatusCode, body)
		}
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, classifyTransportError(err)
	}
	return conn, nil
}

// run owns the socket: it pumps frames, redials on failure when configured,
// and closes the frame channel exactly once on the way out.
func (s *Subscription) run(conn *websocket.Conn) {
	defer close(s.frames)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.args.InitialBackoff
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 500 * time.Millisecond
	}
	bo.MaxInterval = s.args.MaxBackoff
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 30 * time.Second
	}
	bo.MaxElapsedTime = 0
	bo.Reset()

	retries := 0
	for {
		err := s.readLoop(conn)
		conn.Close()

		if s.closed() {
			return
		}
		if err != nil && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			// The server hung up cleanly. Not an error, but the watch is
			// over, so the reconnect policy still applies.
			err = nil
		} else if err != nil {
			zlog.Debug().Err(err).Str("url", s.url.Redacted()).Msg("stream disconnected")
		}
		if !s.args.Reconnect {
			s.finish(err)
			return
		}

		s.setState(StateReconnecting)
		redialed := false
		for !redialed {
			if s.args.MaxRetries > 0 && retries >= s.args.MaxRetries {
				s.finish(err)
				return
			}
			retries++

			select {
			case <-s.done:
				return
			case <-time.After(bo.NextBackOff()):
			}

			next, derr := s.dial(s.ctx)
			if derr != nil {
				zlog.Debug().Err(derr).Int("attempt", retries).Str("url", s.url.Redacted()).Msg("stream redial failed")
				err = derr
				continue
			}
			conn = next
			s.setConn(conn)
			s.setState(StateOpen)
			bo.Reset()
			retries = 0
			redialed = true
		}
	}
}

func (s *Subscription) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.setState(StateReceiving)
		select {
		case s.frames <- json.RawMessage(data):
		case <-s.done:
			return nil
		}
	}
}

// finish records the terminal error and closes down without a peer socket
// left to tear off.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) watchContext() {
	select {
	case <-s.ctx.Done():
		s.Cancel()
	case <-s.done:
	}
}

func (s *Subscription) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Subscription) setState(st StreamState) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
