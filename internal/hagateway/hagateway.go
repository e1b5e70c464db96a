// Package hagateway implements the HomeAssistantGateway capability over
// Home Assistant's WebSocket API: a persistent authenticated connection
// with request/response correlation by message id, adapted from the
// teacher's internal/homeassistant WSClient.
package hagateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway manages a WebSocket connection to Home Assistant and exposes
// call_service as the single capability internal/gateways.HomeAssistantGateway
// needs. It also exposes a StateChanged event stream for the ingest side.
type Gateway struct {
	baseURL string
	token   string

	connMu sync.Mutex
	conn   *websocket.Conn
	msgID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsResponse

	events chan StateChanged

	logger *slog.Logger
}

// StateChanged mirrors a Home Assistant state_changed event payload.
type StateChanged struct {
	EntityID string
	NewState string
	OldState string
	Attrs    map[string]any
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

type rawEvent struct {
	Type string          `json:"event_type"`
	Data json.RawMessage `json:"data"`
}

type rawStateChangedData struct {
	EntityID string `json:"entity_id"`
	NewState *struct {
		State      string         `json:"state"`
		Attributes map[string]any `json:"attributes"`
	} `json:"new_state"`
	OldState *struct {
		State string `json:"state"`
	} `json:"old_state"`
}

// New builds a Gateway. Connect must be called before use.
func New(baseURL, token string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		baseURL: baseURL,
		token:   token,
		pending: make(map[int64]chan wsResponse),
		events:  make(chan StateChanged, 256),
		logger:  logger,
	}
}

// StateChanges returns the channel of observed state_changed events.
func (g *Gateway) StateChanges() <-chan StateChanged { return g.events }

// Connect dials, authenticates, and subscribes to state_changed events.
// Safe to call again after a disconnect.
func (g *Gateway) Connect(ctx context.Context) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	u, err := url.Parse(g.baseURL)
	if err != nil {
		return fmt.Errorf("hagateway: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	dialer := websocket.Dialer{ReadBufferSize: 64 * 1024, WriteBufferSize: 16 * 1024}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("hagateway: dial: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		conn.Close()
		return fmt.Errorf("hagateway: read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("hagateway: expected auth_required, got %s", authReq.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": g.token}); err != nil {
		conn.Close()
		return fmt.Errorf("hagateway: send auth: %w", err)
	}
	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("hagateway: read auth response: %w", err)
	}
	if authResp.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("hagateway: authentication failed: %s", authResp.Type)
	}

	g.conn = conn
	go g.readLoop(conn)

	id := g.msgID.Add(1)
	if _, err := g.sendAndWait(ctx, id, map[string]any{"id": id, "type": "subscribe_events", "event_type": "state_changed"}); err != nil {
		g.logger.Error("hagateway: subscribe_events failed", "error", err)
	}
	return nil
}

// Close tears down the connection.
func (g *Gateway) Close() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

// CallService implements gateways.HomeAssistantGateway.
func (g *Gateway) CallService(ctx context.Context, domain, service string, target, serviceData map[string]any) error {
	id := g.msgID.Add(1)
	msg := map[string]any{
		"id":           id,
		"type":         "call_service",
		"domain":       domain,
		"service":      service,
		"service_data": serviceData,
	}
	if len(target) > 0 {
		msg["target"] = target
	}
	_, err := g.sendAndWait(ctx, id, msg)
	if err != nil {
		return fmt.Errorf("hagateway: call_service %s.%s: %w", domain, service, err)
	}
	return nil
}

func (g *Gateway) sendAndWait(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	respCh := make(chan wsResponse, 1)
	g.pendingMu.Lock()
	g.pending[id] = respCh
	g.pendingMu.Unlock()
	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
	}()

	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	if err := conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			g.logger.Warn("hagateway: connection lost", "error", err)
			return
		}
		switch msg.Type {
		case "result":
			g.pendingMu.Lock()
			if ch, ok := g.pending[msg.ID]; ok {
				ch <- wsResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
			}
			g.pendingMu.Unlock()
		case "event":
			g.handleEvent(msg.Event)
		}
	}
}

func (g *Gateway) handleEvent(raw json.RawMessage) {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != "state_changed" {
		return
	}
	var data rawStateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.NewState == nil {
		return
	}
	sc := StateChanged{EntityID: data.EntityID, NewState: data.NewState.State, Attrs: data.NewState.Attributes}
	if data.OldState != nil {
		sc.OldState = data.OldState.State
	}
	select {
	case g.events <- sc:
	default:
		g.logger.Warn("hagateway: event channel full, dropping", "entity_id", data.EntityID)
	}
}
