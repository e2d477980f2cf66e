package ws

import (
	"context"
	"log"
	nethttp "net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"gridsync/server"
	"gridsync/server/internal/grid"
	"gridsync/server/internal/net/proto"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/telemetry"
)

// Authority is the part of the hub a websocket session drives.
type Authority interface {
	Register(p remote.Participant, start *grid.Position) (server.Registration, error)
	Disconnect(id grid.ParticipantID, reason string) bool
	MoveTo(id grid.ParticipantID, target grid.Position) bool
	FullState() grid.Snapshot
	KeepAlive(id grid.ParticipantID) bool
}

type HandlerConfig struct {
	Logger telemetry.Logger
}

type Handler struct {
	hub      Authority
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub Authority, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:      hub,
		logger:   logger,
		upgrader: upgrader,
	}
}

// Handle upgrades the request, registers the connection as a participant and
// serves its requests until the socket closes.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	start, ok := startPosition(r)
	if !ok {
		nethttp.Error(w, "x and y must both be integers", nethttp.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	session := newSession(grid.NewParticipantID(), conn, h.logger)
	reg, err := h.hub.Register(session, start)
	if err != nil {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		conn.WriteMessage(websocket.CloseMessage, message)
		session.shutdown()
		return
	}

	joined := proto.Joined(reg.Participant, reg.Position, reg.Relay, reg.Snapshot)
	if err := session.write(context.Background(), joined); err != nil {
		h.disconnect(session)
		return
	}
	h.serve(session)
}

func (h *Handler) serve(session *Session) {
	defer h.disconnect(session)

	for {
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", session.id, err)
			continue
		}

		var reply *proto.ServerMessage
		switch msg.Type {
		case proto.TypeMove:
			target, ok := msg.Target()
			accepted := ok && h.hub.MoveTo(session.id, target)
			result := proto.MoveResult(msg.ID, accepted)
			reply = &result
		case proto.TypeFullStateRequest:
			result := proto.FullState(msg.ID, h.hub.FullState())
			reply = &result
		case proto.TypeLeaseProbeReply:
			if !session.resolveProbe(msg.ID, msg.Accepted()) {
				h.logger.Printf("late lease probe reply %d from %s", msg.ID, session.id)
			}
		case proto.TypeKeepAlive:
			h.hub.KeepAlive(session.id)
		default:
			h.logger.Printf("unknown message type %q from %s", msg.Type, session.id)
		}

		if reply != nil {
			if err := session.write(context.Background(), *reply); err != nil {
				return
			}
		}
	}
}

func (h *Handler) disconnect(session *Session) {
	session.shutdown()
	h.hub.Disconnect(session.id, server.ReasonClosed)
}

func startPosition(r *nethttp.Request) (*grid.Position, bool) {
	query := r.URL.Query()
	rawX, rawY := query.Get("x"), query.Get("y")
	if rawX == "" && rawY == "" {
		return nil, true
	}
	x, errX := strconv.Atoi(rawX)
	y, errY := strconv.Atoi(rawY)
	if errX != nil || errY != nil {
		return nil, false
	}
	pos := grid.Pos(x, y)
	return &pos, true
}
