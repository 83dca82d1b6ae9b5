// README: WebSocket endpoint: token handshake, topic subscriptions and agent actions over one socket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dispatch/internal/errs"
	"dispatch/internal/infra"
	"dispatch/internal/modules/agent"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/presence"
	"dispatch/internal/types"
)

const (
	authWait       = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 10
)

var (
	ErrTopicForbidden = fmt.Errorf("%w: topic not allowed for this caller", errs.ErrAuthorization)
	errUnknownFrame   = fmt.Errorf("%w: unknown frame type", errs.ErrValidation)
)

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Accept(ctx context.Context, cmd order.AgentCommand) (*order.Order, error)
	Start(ctx context.Context, cmd order.AgentCommand) (*order.Order, error)
	Deliver(ctx context.Context, cmd order.AgentCommand) (*order.Order, error)
}

type Locations interface {
	Upsert(ctx context.Context, r location.Report) (location.UpsertResult, error)
}

type Handler struct {
	hub       *presence.Hub
	verifier  infra.TokenVerifier
	orders    Orders
	locations Locations
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func NewHandler(hub *presence.Hub, verifier infra.TokenVerifier, orders Orders, locations Locations, logger *slog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		verifier:  verifier,
		orders:    orders,
		locations: locations,
		logger:    logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// session is one authenticated socket. Writes are serialized by mu.
type session struct {
	id   string
	uid  types.ID
	role agent.Role
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	sess, err := h.authenticate(r.Context(), conn)
	if err != nil {
		h.logger.Info("websocket auth failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(errorReply("", frameAuth, err))
		return
	}

	pc, err := h.hub.Connect(sess.id)
	if err != nil {
		h.logger.Error("hub connect failed", "connection_id", sess.id, "error", err)
		return
	}
	defer h.hub.Disconnect(sess.id)

	log := h.logger.With("connection_id", sess.id, "uid", sess.uid, "role", sess.role)
	log.Info("websocket connected")
	defer log.Info("websocket disconnected")

	if err := sess.write(reply{Type: replyAck, Of: frameAuth, Data: map[string]string{
		"connection_id": sess.id,
		"uid":           string(sess.uid),
		"role":          string(sess.role),
	}}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, cancel, sess, pc, log)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		data, err := h.handle(ctx, sess, f)
		var out reply
		if err != nil {
			if errs.Kind(err) == nil {
				log.Error("websocket frame failed", "type", f.Type, "error", err)
			}
			out = errorReply(f.Ref, f.Type, err)
		} else {
			out = reply{Type: replyAck, Ref: f.Ref, Of: f.Type, Data: data}
		}
		if err := sess.write(out); err != nil {
			return
		}
	}
}

// errorReply keeps unclassified errors off the wire, as the REST handlers do.
func errorReply(ref, of string, err error) reply {
	if errs.Kind(err) == nil {
		return reply{Type: replyError, Ref: ref, Of: of, Error: "internal error", Kind: errs.Code(err)}
	}
	return reply{Type: replyError, Ref: ref, Of: of, Error: err.Error(), Kind: errs.Code(err)}
}

func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn) (*session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	var f clientFrame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, fmt.Errorf("%w: read auth frame: %v", errs.ErrValidation, err)
	}
	if f.Type != frameAuth || f.Token == "" {
		return nil, fmt.Errorf("%w: first frame must be auth with a token", errs.ErrAuthorization)
	}
	tok, err := h.verifier.VerifyIDToken(ctx, f.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthorization, err)
	}
	role, err := agent.ParseRole(tok.Role)
	if err != nil {
		role = agent.RoleCustomer
	}
	return &session{id: uuid.NewString(), uid: types.ID(tok.UID), role: role, conn: conn}, nil
}

// writeLoop drains the hub queue and keeps the socket alive with pings.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, sess *session, pc *presence.Conn, log *slog.Logger) {
	defer cancel()
	events := make(chan presence.Event)
	go func() {
		defer close(events)
		for {
			e, err := pc.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				_ = sess.conn.Close()
				return
			}
			if err := sess.write(e); err != nil {
				log.Debug("websocket write failed", "error", err)
				_ = sess.conn.Close()
				return
			}
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				log.Debug("websocket ping failed", "error", err)
				_ = sess.conn.Close()
				return
			}
		}
	}
}

func (h *Handler) handle(ctx context.Context, sess *session, f clientFrame) (any, error) {
	switch f.Type {
	case frameSubscribe:
		if err := h.authorizeTopic(ctx, sess, f.Topic); err != nil {
			return nil, err
		}
		if err := h.hub.Subscribe(sess.id, f.Topic); err != nil {
			return nil, err
		}
		return map[string]any{"topics": h.hub.Topics(sess.id)}, nil

	case frameUnsubscribe:
		h.hub.Unsubscribe(sess.id, f.Topic)
		return map[string]any{"topics": h.hub.Topics(sess.id)}, nil

	case frameLocation:
		if sess.role != agent.RoleDelivery {
			return nil, fmt.Errorf("%w: only delivery agents report locations", errs.ErrAuthorization)
		}
		return h.locations.Upsert(ctx, location.Report{
			AgentID:        sess.uid,
			Lat:            f.Lat,
			Lng:            f.Lng,
			AccuracyMeters: f.AccuracyMeters,
			CapturedAt:     f.CapturedAt,
		})

	case frameAccept, frameStart, frameDeliver:
		if f.OrderID == "" {
			return nil, errs.NewValueIsRequiredError("order_id")
		}
		cmd := order.AgentCommand{OrderID: types.ID(f.OrderID), AgentID: sess.uid, ExpectedVersion: f.Version}
		switch f.Type {
		case frameAccept:
			return h.orders.Accept(ctx, cmd)
		case frameStart:
			return h.orders.Start(ctx, cmd)
		default:
			return h.orders.Deliver(ctx, cmd)
		}

	case framePing:
		return map[string]any{"at": time.Now().UTC()}, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFrame, f.Type)
	}
}

// authorizeTopic allows admins everything, agents their own topic and anyone
// the topics of orders they are a party to.
func (h *Handler) authorizeTopic(ctx context.Context, sess *session, topic string) error {
	kind, id, err := presence.ParseTopic(topic)
	if err != nil {
		return err
	}
	if sess.role == agent.RoleAdmin {
		return nil
	}
	switch kind {
	case presence.TopicAgent:
		if id == sess.uid {
			return nil
		}
	case presence.TopicOrder:
		o, err := h.orders.Get(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			return ErrTopicForbidden
		}
		if err != nil {
			return err
		}
		if o.CustomerID == sess.uid || o.AssignedTo(sess.uid) {
			return nil
		}
	}
	return ErrTopicForbidden
}
