// Package wsapi provides the node's real-time surface: three WebSocket
// streams that let a client watch an intent's status, negotiate over a
// plan, and watch the state store's version counter, without polling the
// REST API.
package wsapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orpheon-systems/node/engine"
	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/logging"
	"github.com/orpheon-systems/node/negotiation"
	"github.com/orpheon-systems/node/statestore"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	intentPollRate = 500 * time.Millisecond
)

// Handler serves the node's WebSocket streams over an *engine.Engine and a
// statestore.Store.
type Handler struct {
	engine   *engine.Engine
	store    statestore.Store
	logger   logging.ComponentAwareLogger
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. allowedOrigins mirrors the REST API's CORS
// configuration; a "*" entry (or an empty list) accepts every origin.
func NewHandler(e *engine.Engine, store statestore.Store, logger logging.ComponentAwareLogger, allowedOrigins []string) *Handler {
	h := &Handler{engine: e, store: store, logger: logger}
	if h.logger == nil {
		h.logger = logging.NewProductionLogger()
	}
	if scoped, ok := h.logger.WithComponent("node/wsapi").(logging.ComponentAwareLogger); ok {
		h.logger = scoped
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// RegisterRoutes wires every stream onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/intent/", h.HandleIntentStream)
	mux.HandleFunc("/ws/negotiate/", h.HandleNegotiateStream)
	mux.HandleFunc("/ws/state", h.HandleStateStream)
}

func extractID(path, prefix string) (uuid.UUID, bool) {
	if !strings.HasPrefix(path, prefix) {
		return uuid.UUID{}, false
	}
	rest := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// keepalive sends a ping on conn every pingPeriod, blocking until done is
// closed or a ping write fails. Every stream shares this write-side heartbeat; callers must still set their
// own write deadlines around any other WriteJSON/WriteMessage call since the
// ticker only owns the ping frame.
func keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainReads reads and discards inbound frames, resetting the read deadline
// on every pong, until the connection errors or closes. Streams that are
// otherwise write-only (intent, state) still need this running so gorilla's
// pong handler fires and the peer's close frame is observed.
func drainReads(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// intentStreamMessage is the tagged envelope sent down /ws/intent/{id}.
type intentStreamMessage struct {
	Type       string     `json:"type"`
	IntentID   uuid.UUID  `json:"intent_id,omitempty"`
	Status     string     `json:"status,omitempty"`
	PlanID     *uuid.UUID `json:"plan_id,omitempty"`
	ArtifactID *uuid.UUID `json:"artifact_id,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// HandleIntentStream upgrades and streams status_update messages for one
// intent every intentPollRate, closing the connection once the intent
// reaches a terminal status. It only ever writes when the status actually
// changed since the last tick.
func (h *Handler) HandleIntentStream(w http.ResponseWriter, r *http.Request) {
	id, ok := extractID(r.URL.Path, "/ws/intent/")
	if !ok {
		http.Error(w, "invalid intent id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("intent stream upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		drainReads(conn)
		close(done)
	}()
	go keepalive(conn, done)

	var lastStatus intent.Status
	first := true
	ticker := time.NewTicker(intentPollRate)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			rec, ok := h.engine.GetRecord(id)
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteJSON(intentStreamMessage{Type: "error", Message: "intent not found"})
				return
			}
			if !first && rec.Status == lastStatus {
				continue
			}
			first = false
			lastStatus = rec.Status

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(intentStreamMessage{
				Type:       "status_update",
				IntentID:   id,
				Status:     string(rec.Status),
				PlanID:     rec.PlanID,
				ArtifactID: rec.ArtifactID,
			}); err != nil {
				return
			}
			if rec.Status.IsTerminal() {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "intent reached a terminal status"))
				return
			}
		}
	}
}

// negotiateClientMessage is what a client sends over /ws/negotiate/{id}:
// exactly one of the three action fields is set per message.
type negotiateClientMessage struct {
	Type       string                    `json:"type"`
	ProposalID uuid.UUID                 `json:"proposal_id,omitempty"`
	Counter    *negotiation.CounterOffer `json:"counter,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
}

// HandleNegotiateStream upgrades, opens (or attaches to) the intent's
// negotiation session, and runs a full bidirectional exchange: a writer
// goroutine drains session.Outgoing to the socket, while the read loop
// dispatches inbound accept/counter/reject messages to the corresponding
// engine method.
func (h *Handler) HandleNegotiateStream(w http.ResponseWriter, r *http.Request) {
	id, ok := extractID(r.URL.Path, "/ws/negotiate/")
	if !ok {
		http.Error(w, "invalid intent id", http.StatusBadRequest)
		return
	}

	sess, err := h.engine.StartNegotiation(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("negotiate stream upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	var closeOnce closeSignal

	go func() {
		defer closeOnce.fire(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		for {
			var msg negotiateClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}

			switch msg.Type {
			case "accept":
				if err := h.engine.AcceptProposal(context.Background(), id, msg.ProposalID); err != nil {
					h.writeNegotiateError(conn, err.Error())
				}
			case "counter":
				if msg.Counter == nil {
					h.writeNegotiateError(conn, "counter message missing counter offer")
					continue
				}
				if _, err := h.engine.CounterProposal(id, *msg.Counter); err != nil {
					h.writeNegotiateError(conn, err.Error())
				}
			case "reject":
				if err := h.engine.RejectProposal(id, msg.Reason); err != nil {
					h.writeNegotiateError(conn, err.Error())
				}
				return
			case "ping":
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteJSON(negotiation.PongMessage(time.Now().Unix()))
			default:
				h.writeNegotiateError(conn, "unknown message type: "+msg.Type)
			}
		}
	}()

	go keepalive(conn, done)

	for {
		select {
		case <-done:
			return
		case out, ok := <-sess.Outgoing:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(out); err != nil {
				closeOnce.fire(done)
				return
			}
			if out.Type == negotiation.MessageConfirmed || out.Type == negotiation.MessageFailed {
				closeOnce.fire(done)
				return
			}
		}
	}
}

func (h *Handler) writeNegotiateError(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(negotiation.Message{Type: negotiation.MessageFailed, Reason: &reason})
}

// closeSignal closes done exactly once, letting both the reader goroutine
// and the outgoing-message loop trigger shutdown without a double-close
// panic.
type closeSignal struct {
	once sync.Once
}

func (c *closeSignal) fire(done chan struct{}) {
	c.once.Do(func() { close(done) })
}

// stateStreamMessage is the tagged envelope sent down /ws/state.
type stateStreamMessage struct {
	Type    string `json:"type"`
	Version uint64 `json:"version"`
}

// HandleStateStream upgrades, sends an initial "connected" message carrying
// the store's current version, then subscribes to the store's change bus and
// pushes a version_update message every time the version advances.
func (h *Handler) HandleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("state stream upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	ctx := r.Context()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(stateStreamMessage{Type: "connected", Version: h.store.Version(ctx)}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		drainReads(conn)
		close(done)
	}()
	go keepalive(conn, done)

	sub := h.store.Subscribe(statestore.SubscriptionFilter{})
	defer h.store.Unsubscribe(sub.ID)

	for {
		select {
		case <-done:
			return
		case _, ok := <-sub.Events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(stateStreamMessage{Type: "version_update", Version: h.store.Version(ctx)}); err != nil {
				return
			}
		}
	}
}
