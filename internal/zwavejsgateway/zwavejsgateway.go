// Package zwavejsgateway implements the ZwavejsGateway capability over
// Z-Wave JS's WebSocket RPC server, following the same connect/auth/
// request-response-by-id shape as the teacher's internal/homeassistant
// WSClient, adapted to Z-Wave JS's message envelope (no auth handshake,
// a messageId string instead of a numeric id, and a schema version
// negotiation step on connect).
package zwavejsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/sentryd/internal/gateways"
)

const schemaVersion = 35

// Gateway drives a Z-Wave JS server over its WebSocket RPC protocol.
type Gateway struct {
	wsURL string

	connMu sync.Mutex
	conn   *websocket.Conn
	seq    atomic.Int64
	homeID int

	pendingMu sync.Mutex
	pending   map[string]chan rpcResult

	events chan json.RawMessage

	logger *slog.Logger
}

// Status is a snapshot of the gateway's connection state, returned by
// GetStatus for the admin HTTP surface's integration health view.
type Status struct {
	Connected bool `json:"connected"`
	HomeID    int  `json:"home_id,omitempty"`
}

type rpcMessage struct {
	MessageID     string `json:"messageId,omitempty"`
	Command       string `json:"command,omitempty"`
	NodeID        int    `json:"nodeId,omitempty"`
	ValueID       any    `json:"valueId,omitempty"`
	Value         any    `json:"value,omitempty"`
	SchemaVersion int    `json:"schemaVersion,omitempty"`

	Type    string          `json:"type,omitempty"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	ErrMsg  string          `json:"errorCode,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	HomeID  int             `json:"homeId,omitempty"`
}

type rpcResult struct {
	success bool
	result  json.RawMessage
	errCode string
}

// New builds a Gateway. Connect must be called before use.
func New(wsURL string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		wsURL:   wsURL,
		pending: make(map[string]chan rpcResult),
		events:  make(chan json.RawMessage, 64),
		logger:  logger,
	}
}

// Events returns the stream of raw "event" payloads (controller
// notifications, including keypad Entry Control events) received after
// Connect. Consumers (e.g. internal/keypad.Listener) decode the shape
// they care about and drop the rest.
func (g *Gateway) Events() <-chan json.RawMessage {
	return g.events
}

// Connect dials the Z-Wave JS server and negotiates the RPC schema
// version. Safe to call again after a disconnect.
func (g *Gateway) Connect(ctx context.Context) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.wsURL, nil)
	if err != nil {
		return fmt.Errorf("zwavejsgateway: dial: %w", err)
	}

	// Z-Wave JS sends a version event immediately on connect; drain it
	// before starting the read loop so it doesn't get mistaken for an
	// RPC response.
	var version rpcMessage
	if err := conn.ReadJSON(&version); err != nil {
		conn.Close()
		return fmt.Errorf("zwavejsgateway: read version event: %w", err)
	}

	g.conn = conn
	g.homeID = version.HomeID
	go g.readLoop(conn)

	id := g.nextID()
	_, err = g.sendAndWait(ctx, id, rpcMessage{
		MessageID:     id,
		Command:       "set_api_schema",
		SchemaVersion: schemaVersion,
	})
	if err != nil {
		g.logger.Warn("zwavejsgateway: schema negotiation failed, continuing with server default", "error", err)
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

// SetValue implements gateways.ZwavejsGateway.
func (g *Gateway) SetValue(ctx context.Context, nodeID int, valueID gateways.ZwavejsValueID, value any) error {
	id := g.nextID()
	vid := map[string]any{
		"commandClass": valueID.CommandClass,
	}
	if valueID.Endpoint != 0 {
		vid["endpoint"] = valueID.Endpoint
	}
	if valueID.Property != nil {
		vid["property"] = valueID.Property
	}
	if valueID.PropertyKey != nil {
		vid["propertyKey"] = valueID.PropertyKey
	}

	res, err := g.sendAndWait(ctx, id, rpcMessage{
		MessageID: id,
		Command:   "node.set_value",
		NodeID:    nodeID,
		ValueID:   vid,
		Value:     value,
	})
	if err != nil {
		return fmt.Errorf("zwavejsgateway: set_value node %d: %w", nodeID, err)
	}

	var accepted struct {
		Success bool `json:"success"`
	}
	if len(res) > 0 {
		if err := json.Unmarshal(res, &accepted); err == nil && !accepted.Success {
			return fmt.Errorf("zwavejsgateway: node %d rejected value write", nodeID)
		}
	}
	return nil
}

// GetStatus returns the current connection snapshot. Safe to call
// whether or not Connect has succeeded.
func (g *Gateway) GetStatus() Status {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return Status{Connected: g.conn != nil, HomeID: g.homeID}
}

// GetHomeID returns the Z-Wave home id learned at Connect, or 0 if not
// yet connected.
func (g *Gateway) GetHomeID() int {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.homeID
}

// ControllerGetState returns a controller state snapshot (nodes plus
// controller metadata) as the server reports it, left as undecoded raw
// JSON.
func (g *Gateway) ControllerGetState(ctx context.Context) (json.RawMessage, error) {
	id := g.nextID()
	res, err := g.sendAndWait(ctx, id, rpcMessage{MessageID: id, Command: "controller.get_state"})
	if err != nil {
		return nil, fmt.Errorf("zwavejsgateway: controller_get_state: %w", err)
	}
	return res, nil
}

// NodeGetValue returns the current cached value for a node value id.
// Unlike SetValue this expects the server to answer from its cache
// rather than round-trip to the physical node.
func (g *Gateway) NodeGetValue(ctx context.Context, nodeID int, valueID gateways.ZwavejsValueID) (any, error) {
	id := g.nextID()
	vid := map[string]any{"commandClass": valueID.CommandClass}
	if valueID.Endpoint != 0 {
		vid["endpoint"] = valueID.Endpoint
	}
	if valueID.Property != nil {
		vid["property"] = valueID.Property
	}
	if valueID.PropertyKey != nil {
		vid["propertyKey"] = valueID.PropertyKey
	}

	res, err := g.sendAndWait(ctx, id, rpcMessage{MessageID: id, Command: "node.get_value", NodeID: nodeID, ValueID: vid})
	if err != nil {
		return nil, fmt.Errorf("zwavejsgateway: node_get_value node %d: %w", nodeID, err)
	}
	var value any
	if len(res) > 0 {
		if err := json.Unmarshal(res, &value); err != nil {
			return nil, fmt.Errorf("zwavejsgateway: decode node %d value: %w", nodeID, err)
		}
	}
	return value, nil
}

func (g *Gateway) nextID() string {
	return fmt.Sprintf("sentryd-%d", g.seq.Add(1))
}

func (g *Gateway) sendAndWait(ctx context.Context, id string, msg rpcMessage) (json.RawMessage, error) {
	ch := make(chan rpcResult, 1)
	g.pendingMu.Lock()
	g.pending[id] = ch
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
	case res := <-ch:
		if !res.success {
			return nil, fmt.Errorf("rpc error: %s", res.errCode)
		}
		return res.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(15 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	for {
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			g.logger.Warn("zwavejsgateway: connection lost", "error", err)
			return
		}
		switch {
		case msg.Type == "result" && msg.MessageID != "":
			g.pendingMu.Lock()
			if ch, ok := g.pending[msg.MessageID]; ok {
				ch <- rpcResult{success: msg.Success, result: msg.Result, errCode: msg.ErrMsg}
			}
			g.pendingMu.Unlock()
		case msg.Type == "event" && len(msg.Event) > 0:
			select {
			case g.events <- msg.Event:
			default:
				g.logger.Warn("zwavejsgateway: events channel full, dropping event")
			}
		}
	}
}
