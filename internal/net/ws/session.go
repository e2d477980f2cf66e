package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/net/proto"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/telemetry"
)

// defaultWriteWait bounds a single frame write when the caller's context has
// no deadline.
const defaultWriteWait = 5 * time.Second

var errSessionClosed = errors.New("ws: session closed")

// Session is the server side of one websocket connection. It implements
// remote.Participant so the hub can deliver to it like any other endpoint.
type Session struct {
	id     grid.ParticipantID
	conn   *websocket.Conn
	logger telemetry.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	nextProbe uint64
	probes    map[uint64]chan bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id grid.ParticipantID, conn *websocket.Conn, logger telemetry.Logger) *Session {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Session{
		id:     id,
		conn:   conn,
		logger: logger,
		probes: make(map[uint64]chan bool),
		closed: make(chan struct{}),
	}
}

// ID implements remote.Participant.
func (s *Session) ID() grid.ParticipantID {
	return s.id
}

// OnChangeSet implements remote.Participant.
func (s *Session) OnChangeSet(ctx context.Context, changes grid.ChangeSet) remote.Result[remote.Done] {
	return s.send(ctx, proto.ChangeSet(changes))
}

// OnLifecycle implements remote.Participant.
func (s *Session) OnLifecycle(ctx context.Context, event remote.LifecycleEvent) remote.Result[remote.Done] {
	return s.send(ctx, proto.Lifecycle(event))
}

// Invalidate implements remote.Participant.
func (s *Session) Invalidate(ctx context.Context) remote.Result[remote.Done] {
	return s.send(ctx, proto.Invalidate())
}

// OnLeaseExpired sends a leaseProbe and waits for the matching reply.
func (s *Session) OnLeaseExpired(ctx context.Context) remote.Result[bool] {
	s.mu.Lock()
	s.nextProbe++
	id := s.nextProbe
	reply := make(chan bool, 1)
	s.probes[id] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.probes, id)
		s.mu.Unlock()
	}()

	if result := s.send(ctx, proto.LeaseProbe(id)); !result.OK() {
		return remote.Unreachable[bool](result.Err)
	}
	select {
	case keep := <-reply:
		return remote.Ok(keep)
	case <-ctx.Done():
		return remote.Unreachable[bool](ctx.Err())
	case <-s.closed:
		return remote.Unreachable[bool](errSessionClosed)
	}
}

// CloseSession drops the connection after the hub evicted the participant.
func (s *Session) CloseSession(reason string) {
	s.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		s.logger.Printf("[ws] close frame for %s failed: %v", s.id, err)
	}
	s.writeMu.Unlock()
	s.shutdown()
}

func (s *Session) resolveProbe(id uint64, keep bool) bool {
	s.mu.Lock()
	reply, ok := s.probes[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case reply <- keep:
	default:
	}
	return true
}

func (s *Session) send(ctx context.Context, msg proto.ServerMessage) remote.Result[remote.Done] {
	if err := s.write(ctx, msg); err != nil {
		return remote.Unreachable[remote.Done](err)
	}
	return remote.Delivered()
}

func (s *Session) write(ctx context.Context, msg proto.ServerMessage) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}
