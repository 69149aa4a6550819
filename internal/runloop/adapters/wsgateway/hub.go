// Package wsgateway bridges WebSocket clients to a RunLoop: inbound frames
// become injected Tasks via a Source1, and AgentResults are routed back out
// to the client that owns a Task's ReplyAddress.ChannelID.
package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

// Client is a single connected WebSocket session, addressable as a
// ChannelRegistry target by its ID.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub tracks connected clients and implements both runloop.Source1 (inbound
// task submissions) and runloop.ChannelRegistry (outbound result delivery).
// Unlike a Source0, a Source1 has no Perform loop of its own: readPump
// sends each parsed frame into the Source1Receiver's channel, and the
// RunLoop calls Handle when it delivers that message.
type Hub struct {
	id string

	mu      sync.RWMutex
	clients map[string]*Client

	cancelled bool
}

// NewHub creates an empty hub identified by id (used as the Source1's
// PortMessage.SourceID and as the Source0/Source1 registry key).
func NewHub(id string) *Hub {
	return &Hub{id: id, clients: make(map[string]*Client)}
}

func (h *Hub) ID() string         { return h.id }
func (h *Hub) Modes() []runloop.Mode { return []runloop.Mode{runloop.ModeCommon} }
func (h *Hub) IsValid() bool      { return !h.cancelled }
func (h *Hub) Cancel()            { h.cancelled = true }

// Handle turns one inbound frame into zero or more Tasks. Only request
// frames carrying MethodSubmitTask produce a Task; everything else (ping
// frames, malformed input) is acknowledged or dropped without injection.
func (h *Hub) Handle(_ context.Context, msg runloop.PortMessage) ([]*runloop.Task, error) {
	env, ok := msg.Payload.(inboundEnvelope)
	if !ok {
		return nil, nil
	}

	if env.frame.Type != FrameTypeRequest || Method(env.frame.Method) != MethodSubmitTask {
		return nil, nil
	}

	var params struct {
		TaskType string `json:"task_type"`
		Payload  any    `json:"payload"`
	}
	if err := json.Unmarshal(env.frame.Params, &params); err != nil {
		env.client.sendError(env.frame.ID, "invalid params")
		return nil, nil
	}

	task := runloop.NewTask(params.TaskType, params.Payload).
		WithSource(runloop.TaskSourceWebSocket).
		WithReplyTo(runloop.ReplyAddress{ChannelID: env.client.id, Target: env.frame.ID})

	env.client.sendOK(env.frame.ID, map[string]string{"task_id": task.ID, "status": "submitted"})
	return []*runloop.Task{task}, nil
}

// Send implements runloop.ChannelRegistry: it delivers result as an event
// frame to the client named by replyTo.ChannelID, if still connected.
func (h *Hub) Send(ctx context.Context, replyTo runloop.ReplyAddress, result *runloop.AgentResult) error {
	h.mu.RLock()
	c, ok := h.clients[replyTo.ChannelID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	frame, err := NewEventFrame("task_result", map[string]any{
		"request_id": replyTo.Target,
		"output":     result.Output,
		"error":      result.Error,
		"retryable":  result.Retryable,
	})
	if err != nil {
		return err
	}
	data, err := MarshalFrame(frame)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
	default:
		slog.Warn("wsgateway: client send buffer full, dropping result", "client", c.id)
	}
	return nil
}

// inboundEnvelope pairs a parsed Frame with the client it arrived from so
// Handle can reply directly without a second client lookup.
type inboundEnvelope struct {
	client *Client
	frame  Frame
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	close(c.send)
}

// ServeWS upgrades an HTTP request to a WebSocket and wires the client into
// receiver's inbound channel. clientID should be unique per connection (a
// request id, session token, or generated uuid).
func (h *Hub) ServeWS(receiver *runloop.Source1Receiver, clientID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			slog.Error("wsgateway: accept", "error", err)
			return
		}

		c := &Client{id: clientID, conn: conn, send: make(chan []byte, 256), hub: h}
		h.register(c)

		ctx := r.Context()
		go c.writePump(ctx)
		c.readPump(ctx, receiver)
	}
}

func (c *Client) readPump(ctx context.Context, receiver *runloop.Source1Receiver) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			slog.Debug("wsgateway: read closed", "client", c.id, "error", err)
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("wsgateway: unmarshal frame", "error", err)
			continue
		}

		msg := runloop.NewPortMessage(c.hub.id, inboundEnvelope{client: c, frame: frame})
		if !receiver.Send(msg) {
			slog.Warn("wsgateway: receiver channel full, dropping frame", "client", c.id)
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close closes every connected client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
