package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(newTestTransport(t, server.URL, 0), "linear", logger.Nop())
}

func TestClient_PlaceOrder(t *testing.T) {
	var body map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathCreate, r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		writeEnvelope(w, 0, "OK", `{"orderId":"1321003749386327552","orderLinkId":"k1"}`)
	})

	ack, raw, err := client.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol:      "BTCUSDT",
		Side:        contracts.SideBuy,
		OrderType:   contracts.OrderTypeLimit,
		Qty:         decimal.RequireFromString("0.010"),
		Price:       decimal.NewNullDecimal(decimal.RequireFromString("42123.4")),
		TimeInForce: contracts.TIFGoodTillCancel,
		OrderLinkID: "k1",
	})
	require.NoError(t, err)

	assert.Equal(t, "1321003749386327552", ack.OrderID)
	assert.NotEmpty(t, raw)
	assert.Equal(t, "0.01", body["qty"])
	assert.Equal(t, "42123.4", body["price"])
	assert.Equal(t, "k1", body["orderLinkId"])
	assert.Equal(t, "linear", body["category"])
	_, hasReduceOnly := body["reduceOnly"]
	assert.False(t, hasReduceOnly)
}

func TestClient_PlaceOrderDuplicate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, CodeDuplicateOrderLink, "OrderLinkedID is duplicate", "")
	})

	_, _, err := client.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: contracts.SideBuy, OrderType: contracts.OrderTypeMarket,
		Qty: decimal.RequireFromString("0.01"), OrderLinkID: "k1",
	})
	assert.Equal(t, contracts.ErrKindDuplicate, KindOf(err))
}

func TestClient_QueryOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("orderLinkId") {
		case "known":
			writeEnvelope(w, 0, "OK", `{"list":[{"orderId":"x1","orderLinkId":"known","symbol":"BTCUSDT","side":"Buy","orderStatus":"PartiallyFilled","qty":"0.02","cumExecQty":"0.01"}]}`)
		case "gone":
			writeEnvelope(w, CodeOrderNotExist, "order not exists or too late to cancel", "")
		default:
			writeEnvelope(w, 0, "OK", `{"list":[]}`)
		}
	})
	ctx := context.Background()

	o, err := client.QueryOrder(ctx, "BTCUSDT", "", "known")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPartiallyFilled, o.LocalStatus())
	assert.True(t, o.FilledQty().Equal(decimal.RequireFromString("0.01")))

	_, err = client.QueryOrder(ctx, "BTCUSDT", "", "missing")
	assert.True(t, errors.Is(err, ErrOrderNotFound))

	_, err = client.QueryOrder(ctx, "BTCUSDT", "", "gone")
	assert.True(t, errors.Is(err, ErrOrderNotFound))

	_, err = client.QueryOrder(ctx, "BTCUSDT", "", "")
	assert.Equal(t, contracts.ErrKindValidation, KindOf(err))
}

func TestClient_OpenOrdersPaginatesAndFilters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			writeEnvelope(w, 0, "OK", `{"list":[{"orderId":"a","orderStatus":"New"},{"orderId":"b","orderStatus":"Filled"}],"nextPageCursor":"p2"}`)
			return
		}
		writeEnvelope(w, 0, "OK", `{"list":[{"orderId":"c","orderStatus":"PartiallyFilled"}],"nextPageCursor":""}`)
	})

	orders, err := client.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "a", orders[0].OrderID)
	assert.Equal(t, "c", orders[1].OrderID)
}

func TestClient_PositionsAndInstruments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathPositions:
			if r.URL.Query().Get("symbol") == "ETHUSDT" {
				writeEnvelope(w, 0, "OK", `{"list":[]}`)
				return
			}
			writeEnvelope(w, 0, "OK", `{"list":[{"symbol":"BTCUSDT","side":"Sell","size":"0.5","avgPrice":"41000.1","unrealisedPnl":"-12.5"}]}`)
		case pathInstruments:
			writeEnvelope(w, 0, "OK", `{"list":[{"symbol":"BTCUSDT","status":"Trading","priceFilter":{"tickSize":"0.10"},"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","maxOrderQty":"100","minNotionalValue":"5"}}]}`)
		}
	})
	ctx := context.Background()

	pos, err := client.Positions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, contracts.SideSell, pos[0].Side)
	assert.Equal(t, "0.5", pos[0].Size.String())

	flat, err := client.Positions(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.Len(t, flat, 1)
	assert.True(t, flat[0].IsFlat())

	inst, err := client.Instruments(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, inst, 1)
	assert.Equal(t, "0.1", inst[0].TickSize.String())
	assert.Equal(t, "5", inst[0].MinNotional.String())
	assert.True(t, inst[0].Tradable())
}

func TestClient_CancelAll(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "OK", `{"list":[{"orderId":"a","orderLinkId":"k1"},{"orderId":"b","orderLinkId":""}],"success":"1"}`)
	})

	ids, _, err := client.CancelAll(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestStream_AuthSubscribeAndDispatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var ops []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			mu.Lock()
			ops = append(ops, req.Op)
			mu.Unlock()

			switch req.Op {
			case "auth":
				ok := len(req.Args) == 3 && req.Args[0] == testKey
				_ = conn.WriteJSON(map[string]interface{}{"op": "auth", "success": ok})
			case "subscribe":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"execution","data":[
					{"execId":"e1","orderId":"x1","orderLinkId":"k1","symbol":"BTCUSDT","side":"Buy","execQty":"0.01","execPrice":"42000","execFee":"0.02","execTime":"1700000000000","execType":"Trade"},
					{"execId":"f1","orderId":"","symbol":"BTCUSDT","execType":"Funding"}]}`))
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	stream := NewStream(wsURL, NewSigner(testKey, testSecret), nil, logger.Nop())

	got := make(chan ExecutionInfo, 4)
	stream.OnExecution(func(e ExecutionInfo) { got <- e })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	select {
	case e := <-got:
		rec := e.ToRecord()
		assert.Equal(t, "e1", rec.ExecID)
		assert.Equal(t, "k1", rec.OrderKey)
		assert.Equal(t, "0.01", rec.Qty.String())
		assert.Equal(t, int64(1700000000000), rec.ExecutedAt.UnixMilli())
	case <-time.After(3 * time.Second):
		t.Fatal("no execution dispatched")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop")
	}

	assert.Empty(t, got, "funding rows must not be dispatched")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"auth", "subscribe"}, ops[:2])
}

func TestStream_AuthExpiresUsesServerOffset(t *testing.T) {
	upgrader := websocket.Upgrader{}
	expires := make(chan float64, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil || req.Op != "auth" || len(req.Args) != 3 {
			return
		}
		if v, ok := req.Args[1].(float64); ok {
			expires <- v
		}
		_ = conn.WriteJSON(map[string]interface{}{"op": "auth", "success": true})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	clock := NewClock()
	now := time.Now()
	clock.observe(now.Add(time.Minute).UnixMilli(), now, now) // server runs a minute ahead

	stream := NewStream("ws"+strings.TrimPrefix(server.URL, "http"), NewSigner(testKey, testSecret), clock, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	select {
	case v := <-expires:
		ahead := time.Duration(int64(v)-time.Now().UnixMilli()) * time.Millisecond
		assert.Greater(t, ahead, time.Minute, "expiry follows server time")
		assert.LessOrEqual(t, ahead, time.Minute+StreamAuthTTL+time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("no auth request")
	}
}

func TestStream_SilentConnectionReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	sessions := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		sessions++
		mu.Unlock()

		// answer auth, then read forever without replying (half-open peer)
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Op == "auth" {
				_ = conn.WriteJSON(map[string]interface{}{"op": "auth", "success": true})
			}
		}
	}))
	defer server.Close()

	stream := NewStream("ws"+strings.TrimPrefix(server.URL, "http"), NewSigner(testKey, testSecret), nil, logger.Nop())
	stream.readTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sessions >= 2
	}, 5*time.Second, 50*time.Millisecond, "stream should drop a silent connection and redial")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestClient_PositionsSettleCoin(t *testing.T) {
	var coins []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		coins = append(coins, r.URL.Query().Get("settleCoin"))
		writeEnvelope(w, 0, "OK", `{"list":[]}`)
	})
	ctx := context.Background()

	_, err := client.Positions(ctx, "")
	require.NoError(t, err)
	_, err = client.WithSettleCoin("USDC").Positions(ctx, "")
	require.NoError(t, err)
	_, err = client.Positions(ctx, "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, []string{DefaultSettleCoin, "USDC", ""}, coins)
}
