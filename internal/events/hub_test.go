package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/sim-engine/internal/model"
	"github.com/papertrade/sim-engine/internal/rules"
)

func dialHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	return hub, conn
}

func TestHub_BroadcastsTradeEvent(t *testing.T) {
	hub, conn := dialHub(t)

	hub.Publish(TradeEvent(&model.Order{
		ID:        "o-1",
		Timestamp: time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC),
		Ticker:    "AAPL",
		Side:      model.SideBuy,
		Quantity:  decimal.NewFromInt(10),
		FillPrice: decimal.RequireFromString("100.02"),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type  string `json:"type"`
		Order struct {
			ID        string `json:"id"`
			Ticker    string `json:"ticker"`
			FillPrice string `json:"fill_price"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeTrade, got.Type)
	assert.Equal(t, "o-1", got.Order.ID)
	assert.Equal(t, "AAPL", got.Order.Ticker)
	assert.Equal(t, "100.02", got.Order.FillPrice)
}

func TestHub_BroadcastsDecisionEvent(t *testing.T) {
	hub, conn := dialHub(t)

	in := model.TradeIntent{Ticker: "AAPL", Side: model.SideBuy, Quantity: decimal.NewFromInt(5), ReferencePrice: decimal.NewFromInt(100)}
	dec := rules.Decision{AdjustedQuantity: decimal.Zero, Reasons: []rules.Reason{rules.ReasonMinOrder}}
	hub.Publish(DecisionEvent(time.Now(), in, dec))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type     string `json:"type"`
		Decision struct {
			Accepted bool     `json:"accepted"`
			Reasons  []string `json:"reasons"`
		} `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeDecision, got.Type)
	assert.False(t, got.Decision.Accepted)
	assert.Equal(t, []string{"min_order_breach"}, got.Decision.Reasons)
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub, conn := dialHub(t)
	conn.Close()
	require.Eventually(t, func() bool { return hub.subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PublishWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub()
	for i := 0; i < 1000; i++ {
		hub.Publish(Event{Type: TypeTrade})
	}
}
