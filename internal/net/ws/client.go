package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridsync/server/internal/client"
	"gridsync/server/internal/grid"
	"gridsync/server/internal/net/proto"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/telemetry"
)

// ErrClientClosed is returned by requests issued after the connection dropped.
var ErrClientClosed = errors.New("ws: client closed")

// ClientConfig configures a headless websocket client.
type ClientConfig struct {
	// Start requests a specific start cell. Nil lets the server choose.
	Start *grid.Position
	// KeepSession answers lease probes. Defaults to always keeping the session.
	KeepSession func() bool
	// OnLifecycle observes join and leave notifications.
	OnLifecycle func(remote.LifecycleEvent)
	Sync        client.Config
	Logger      telemetry.Logger
}

// Client mirrors the authority's grid over a websocket connection.
type Client struct {
	conn   *websocket.Conn
	cfg    ClientConfig
	logger telemetry.Logger
	syncer *client.Synchronizer

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan proto.ServerMessage
	joined  proto.ServerMessage

	joinedCh chan proto.ServerMessage
	done     chan struct{}
	err      error
}

// Dial connects to the websocket endpoint at url, waits for the joined
// acknowledgement and installs the first snapshot.
func Dial(ctx context.Context, url string, cfg ClientConfig) (*Client, error) {
	if cfg.Start != nil {
		url = fmt.Sprintf("%s?x=%d&y=%d", url, cfg.Start.X, cfg.Start.Y)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	if cfg.KeepSession == nil {
		cfg.KeepSession = func() bool { return true }
	}
	c := &Client{
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[uint64]chan proto.ServerMessage),
		joinedCh: make(chan proto.ServerMessage, 1),
		done:     make(chan struct{}),
	}
	// Snapshot replies arrive on the read loop, so resyncs must not run on it.
	c.syncer = client.New(client.StateSourceFunc(c.fetchFullState), cfg.Sync,
		client.WithDispatcher(func(fn func()) { go fn() }),
		client.WithLogger(logger))
	go c.readLoop()

	select {
	case joined := <-c.joinedCh:
		c.mu.Lock()
		c.joined = joined
		c.mu.Unlock()
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}

	if err := c.syncer.Reset(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Participant returns the identity assigned by the server.
func (c *Client) Participant() grid.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined.Participant
}

// Relay returns the relay the server placed this client behind, if any.
func (c *Client) Relay() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined.Relay
}

// Start returns the cell the server registered this client at.
func (c *Client) Start() grid.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined.Position == nil {
		return grid.Position{}
	}
	return *c.joined.Position
}

// Synchronizer exposes the local mirror.
func (c *Client) Synchronizer() *client.Synchronizer {
	return c.syncer
}

// Move asks the server for a single step and reports whether it was accepted.
func (c *Client) Move(ctx context.Context, target grid.Position) (bool, error) {
	reply, err := c.request(ctx, func(id uint64) proto.ClientMessage { return proto.Move(id, target) })
	if err != nil {
		return false, err
	}
	return reply.Accepted != nil && *reply.Accepted, nil
}

// KeepAlive renews the lease.
func (c *Client) KeepAlive(ctx context.Context) error {
	return c.write(ctx, proto.KeepAlive())
}

// Done is closed once the connection has dropped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection dropped.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr()
	default:
		return nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) fetchFullState(ctx context.Context) (grid.Snapshot, error) {
	reply, err := c.request(ctx, proto.FullStateRequest)
	if err != nil {
		return grid.Snapshot{}, err
	}
	if reply.Snapshot == nil {
		return grid.Snapshot{}, errors.New("ws: fullState reply without snapshot")
	}
	return *reply.Snapshot, nil
}

func (c *Client) request(ctx context.Context, build func(id uint64) proto.ClientMessage) (proto.ServerMessage, error) {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return proto.ServerMessage{}, ErrClientClosed
	}
	c.nextID++
	id := c.nextID
	reply := make(chan proto.ServerMessage, 1)
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	if err := c.write(ctx, build(id)); err != nil {
		return proto.ServerMessage{}, err
	}
	select {
	case msg := <-reply:
		return msg, nil
	case <-c.done:
		return proto.ServerMessage{}, ErrClientClosed
	case <-ctx.Done():
		return proto.ServerMessage{}, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, msg proto.ClientMessage) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		msg, err := proto.DecodeServerMessage(payload)
		if err != nil {
			c.logger.Printf("discarding malformed server message: %v", err)
			continue
		}

		switch msg.Type {
		case proto.TypeJoined:
			select {
			case c.joinedCh <- msg:
			default:
			}
		case proto.TypeChangeSet:
			c.syncer.Receive(msg.ChangeSet())
		case proto.TypeLifecycle:
			if c.cfg.OnLifecycle != nil {
				c.cfg.OnLifecycle(msg.LifecycleEvent())
			}
		case proto.TypeLeaseProbe:
			keep := c.cfg.KeepSession()
			if err := c.write(context.Background(), proto.LeaseProbeReply(msg.ID, keep)); err != nil {
				c.logger.Printf("lease probe reply failed: %v", err)
			}
		case proto.TypeInvalidate:
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout())
				defer cancel()
				if err := c.syncer.Invalidate(ctx); err != nil {
					c.logger.Printf("resync after invalidate failed: %v", err)
				}
			}()
		case proto.TypeMoveResult, proto.TypeFullState:
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				reply <- msg
			}
		default:
			c.logger.Printf("unknown server message type %q", msg.Type)
		}
	}
}

func (c *Client) fetchTimeout() time.Duration {
	if c.cfg.Sync.FetchTimeout > 0 {
		return c.cfg.Sync.FetchTimeout
	}
	return client.DefaultConfig().FetchTimeout
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClientClosed
}
