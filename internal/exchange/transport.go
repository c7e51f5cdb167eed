package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/httputil"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// Request headers of the v5 signing scheme
const (
	HeaderAPIKey     = "X-BAPI-API-KEY"
	HeaderTimestamp  = "X-BAPI-TIMESTAMP"
	HeaderSign       = "X-BAPI-SIGN"
	HeaderRecvWindow = "X-BAPI-RECV-WINDOW"
)

// Envelope is the common response wrapper
type Envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// TransportConfig configures a Transport
type TransportConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow int64 // ms
	Retry      httputil.RetryConfig

	// Local pacing, on top of the shared redis limiter inside httputil
	RequestsPerSecond float64
	Burst             int
	// OrdersPerSecond additionally paces order mutations (create/cancel); 0 = no extra limit
	OrdersPerSecond float64
}

// Endpoint classes paced by separate limiters
const (
	ClassREST  = "rest"
	ClassOrder = "order"
)

// Transport sends requests to the exchange. It owns the exact-bytes
// contract between what is signed and what is sent, and the retry policy.
// ⭐ SSOT: 거래소 REST 호출과 재시도 정책은 여기서만
type Transport struct {
	cfg     TransportConfig
	http    *httputil.Client
	signer  *Signer
	clock   *Clock
	limiter *rate.Limiter
	orders  *rate.Limiter
	logger  *logger.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewTransport creates a transport
func NewTransport(cfg TransportConfig, httpClient *httputil.Client, log *logger.Logger) *Transport {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}

	return &Transport{
		cfg:     cfg,
		http:    httpClient,
		signer:  NewSigner(cfg.APIKey, cfg.APISecret),
		clock:   NewClock(),
		limiter: rate.NewLimiter(perSecond(cfg.RequestsPerSecond), burst),
		orders:  rate.NewLimiter(perSecond(cfg.OrdersPerSecond), burst),
		logger:  log.Component("transport"),
		sleep:   sleepCtx,
	}
}

func perSecond(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n)
}

// EndpointClass groups path into a pacing class: POSTs under /v5/order/ are order mutations
func EndpointClass(method, path string) string {
	if method == http.MethodPost && strings.HasPrefix(path, "/v5/order/") {
		return ClassOrder
	}
	return ClassREST
}

// wait blocks on every limiter that paces the endpoint's class
func (t *Transport) wait(ctx context.Context, method, path string) error {
	if err := t.wait(ctx, method, path); err != nil {
		return err
	}
	if EndpointClass(method, path) == ClassOrder {
		return t.orders.Wait(ctx)
	}
	return nil
}

// Clock returns the transport's server-time clock
func (t *Transport) Clock() *Clock {
	return t.clock
}

// Signer returns the transport's signer
func (t *Transport) Signer() *Signer {
	return t.signer
}

// Send performs method on path with params, retrying per the error taxonomy:
// TRANSIENT_NETWORK is retried with bounded backoff and re-signed each attempt,
// CLOCK_SKEW triggers one resync and one retry, everything else returns at once.
// When retries run out, Unknown is set if any attempt may have reached the exchange.
func (t *Transport) Send(ctx context.Context, method, path string, params Params, signed bool) (*Envelope, error) {
	resynced := false
	uncertain := false

	for attempt := 0; ; attempt++ {
		env, err := t.do(ctx, method, path, params, signed)
		if err == nil {
			return env, nil
		}

		var xe *Error
		if !errors.As(err, &xe) {
			return nil, err
		}

		uncertain = uncertain || xe.Unknown

		switch xe.Kind {
		case contracts.ErrKindTransient:
			if attempt >= t.cfg.Retry.MaxRetries || ctx.Err() != nil {
				// 재시도 소진: 앞선 시도가 처리됐을 수 있음
				xe.Unknown = uncertain
				return nil, xe
			}
			delay := t.cfg.Retry.Delay(attempt + 1)
			t.logger.WithFields(map[string]interface{}{
				"path":    path,
				"attempt": attempt + 1,
				"delay":   delay.String(),
				"code":    xe.Code,
			}).Warn("Retrying transient exchange error")
			if err := t.sleep(ctx, delay); err != nil {
				xe.Unknown = uncertain
				return nil, xe
			}

		case contracts.ErrKindClockSkew:
			if resynced || !signed {
				return nil, xe
			}
			resynced = true
			if syncErr := t.SyncClock(ctx); syncErr != nil {
				t.logger.WithError(syncErr).Warn("Clock resync failed")
				return nil, xe
			}

		case contracts.ErrKindSignature:
			t.logger.WithFields(map[string]interface{}{
				"method": method,
				"path":   path,
				"code":   xe.Code,
			}).Error("Signature rejected by exchange, not retrying")
			return nil, xe

		default:
			// a later definitive answer still follows an uncertain attempt
			xe.Unknown = xe.Unknown || (uncertain && xe.Kind != contracts.ErrKindDuplicate)
			return nil, xe
		}
	}
}

// do performs exactly one attempt
func (t *Transport) do(ctx context.Context, method, path string, params Params, signed bool) (*Envelope, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: contracts.ErrKindTransient, Message: "rate limiter wait", Err: err}
	}

	var (
		target  = t.cfg.BaseURL + path
		payload string
		body    io.Reader
	)

	switch method {
	case http.MethodGet:
		query, err := CanonicalQuery(params)
		if err != nil {
			return nil, &Error{Kind: contracts.ErrKindValidation, Message: "build query", Err: err}
		}
		if query != "" {
			target += "?" + query
		}
		payload = query
	case http.MethodPost:
		raw, err := CompactBody(params)
		if err != nil {
			return nil, &Error{Kind: contracts.ErrKindValidation, Message: "build body", Err: err}
		}
		payload = string(raw)
		body = bytes.NewReader(raw)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		ts := t.clock.NowMs()
		req.Header.Set(HeaderAPIKey, t.signer.APIKey())
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderRecvWindow, strconv.FormatInt(t.cfg.RecvWindow, 10))
		req.Header.Set(HeaderSign, t.signer.Sign(ts, t.cfg.RecvWindow, payload))
	}

	resp, err := t.http.Do(req)
	if err != nil {
		// 요청이 거래소에 도달했는지 알 수 없음
		return nil, &Error{
			Kind:    contracts.ErrKindTransient,
			Message: "request failed",
			Unknown: method != http.MethodGet,
			Err:     err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{
			Kind:       contracts.ErrKindTransient,
			HTTPStatus: resp.StatusCode,
			Message:    "read response",
			Unknown:    method != http.MethodGet,
			Err:        err,
		}
	}

	var env Envelope
	decodeErr := json.Unmarshal(raw, &env)
	if decodeErr != nil || (resp.StatusCode >= 300 && env.RetCode == CodeOK) {
		if httputil.IsRetryableError(resp.StatusCode) {
			return nil, &Error{
				Kind:       contracts.ErrKindTransient,
				HTTPStatus: resp.StatusCode,
				Message:    fmt.Sprintf("http %d", resp.StatusCode),
				Unknown:    resp.StatusCode != http.StatusTooManyRequests && method != http.MethodGet,
			}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, &Error{Kind: contracts.ErrKindSignature, HTTPStatus: resp.StatusCode, Message: "unauthorized"}
		}
		return nil, &Error{
			Kind:       contracts.ErrKindExchangeRejected,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("undecodable response (http %d)", resp.StatusCode),
			Err:        decodeErr,
		}
	}

	if env.RetCode != CodeOK {
		xe := classify(env.RetCode, env.RetMsg)
		xe.HTTPStatus = resp.StatusCode
		return nil, xe
	}

	return &env, nil
}

// SyncClock measures the server-time offset from /v5/market/time
func (t *Transport) SyncClock(ctx context.Context) error {
	sent := time.Now()
	env, err := t.do(ctx, http.MethodGet, "/v5/market/time", nil, false)
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	received := time.Now()

	serverMs, err := parseServerTime(env)
	if err != nil {
		return err
	}

	offset := t.clock.observe(serverMs, sent, received)
	t.logger.WithFields(map[string]interface{}{
		"offset_ms": offset.Milliseconds(),
		"rtt_ms":    received.Sub(sent).Milliseconds(),
	}).Debug("Clock synced")

	return nil
}

func parseServerTime(env *Envelope) (int64, error) {
	var result struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano   string `json:"timeNano"`
	}
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return 0, fmt.Errorf("decode server time: %w", err)
		}
	}
	if result.TimeNano != "" {
		ns, err := strconv.ParseInt(result.TimeNano, 10, 64)
		if err == nil {
			return ns / int64(time.Millisecond), nil
		}
	}
	if result.TimeSecond != "" {
		s, err := strconv.ParseInt(result.TimeSecond, 10, 64)
		if err == nil {
			return s * 1000, nil
		}
	}
	if env.Time > 0 {
		return env.Time, nil
	}
	return 0, fmt.Errorf("server time missing from response")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
