package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wonny/aegis-exec/pkg/logger"
)

// Private stream topics
const (
	TopicOrder     = "order"
	TopicExecution = "execution"
)

// Timing
const (
	StreamPingInterval     = 20 * time.Second
	StreamReadTimeout      = 2*StreamPingInterval + 5*time.Second // two missed pongs
	StreamAuthTTL          = 10 * time.Second
	ReconnectInitialDelay  = 1 * time.Second
	ReconnectMaxDelay      = 30 * time.Second
	streamHandshakeTimeout = 10 * time.Second
)

// Stream is the authenticated private websocket feeding order and
// execution updates. Run reconnects until ctx is done.
type Stream struct {
	url    string
	signer *Signer
	clock  *Clock
	logger *logger.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	// Callbacks
	onExecution func(ExecutionInfo)
	onOrder     func(OrderInfo)
	onError     func(error)

	pingInterval time.Duration
	readTimeout  time.Duration
}

// NewStream creates a private stream client. clock supplies the server
// offset for auth expiry; nil means local time.
func NewStream(url string, signer *Signer, clock *Clock, log *logger.Logger) *Stream {
	if clock == nil {
		clock = NewClock()
	}
	return &Stream{
		url:          url,
		signer:       signer,
		clock:        clock,
		logger:       log.Component("stream"),
		pingInterval: StreamPingInterval,
		readTimeout:  StreamReadTimeout,
	}
}

// Callback setters
func (s *Stream) OnExecution(fn func(ExecutionInfo)) { s.onExecution = fn }
func (s *Stream) OnOrder(fn func(OrderInfo))         { s.onOrder = fn }
func (s *Stream) OnError(fn func(error))             { s.onError = fn }

// Run keeps a session alive, reconnecting with bounded backoff
func (s *Stream) Run(ctx context.Context) error {
	delay := ReconnectInitialDelay

	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			s.logger.WithError(err).Warn("Private stream disconnected")
			if s.onError != nil {
				s.onError(err)
			}
		}

		// 세션이 충분히 유지됐으면 백오프 초기화
		if time.Since(started) > ReconnectMaxDelay {
			delay = ReconnectInitialDelay
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ReconnectMaxDelay {
			delay = ReconnectMaxDelay
		}
	}
}

// session runs one connection until it fails or ctx is done
func (s *Stream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: streamHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	if err := s.authenticate(conn); err != nil {
		return err
	}
	if err := s.write(wsRequest{Op: "subscribe", Args: []interface{}{TopicOrder, TopicExecution}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("Private stream connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-sessionCtx.Done()
		// unblock ReadMessage
		conn.Close()
	}()
	go s.pingLoop(sessionCtx)

	// half-open 연결 감지: 메시지나 pong이 없으면 읽기 타임아웃 후 재연결
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return fmt.Errorf("read deadline: %w", err)
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(message)
	}
}

func (s *Stream) authenticate(conn *websocket.Conn) error {
	expires := s.clock.NowMs() + StreamAuthTTL.Milliseconds()
	req := wsRequest{
		Op:   "auth",
		Args: []interface{}{s.signer.APIKey(), expires, s.signer.SignWS(expires)},
	}
	if err := s.write(req); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(streamHandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("auth response: %w", err)
		}
		var resp wsResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		if resp.Op != "auth" {
			continue
		}
		if !resp.Success {
			return fmt.Errorf("auth rejected: %s", resp.RetMsg)
		}
		return nil
	}
}

func (s *Stream) write(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteJSON(v)
}

// handleMessage dispatches topic pushes; op acks and pongs are ignored
func (s *Stream) handleMessage(data []byte) {
	var push wsPush
	if err := json.Unmarshal(data, &push); err != nil {
		s.logger.WithError(err).Debug("Dropping undecodable stream message")
		return
	}

	switch push.Topic {
	case TopicExecution:
		var execs []ExecutionInfo
		if err := json.Unmarshal(push.Data, &execs); err != nil {
			s.logger.WithError(err).Warn("Bad execution payload")
			return
		}
		for _, e := range execs {
			if s.onExecution != nil && (e.ExecType == "" || e.ExecType == "Trade") {
				s.onExecution(e)
			}
		}
	case TopicOrder:
		var orders []OrderInfo
		if err := json.Unmarshal(push.Data, &orders); err != nil {
			s.logger.WithError(err).Warn("Bad order payload")
			return
		}
		for _, o := range orders {
			if s.onOrder != nil {
				s.onOrder(o)
			}
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(wsRequest{Op: "ping"}); err != nil {
				s.logger.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

// Internal message types
type wsRequest struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args,omitempty"`
}

type wsResponse struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ConnID  string `json:"conn_id"`
}

type wsPush struct {
	Topic        string          `json:"topic"`
	CreationTime int64           `json:"creationTime"`
	Data         json.RawMessage `json:"data"`
}
