package server

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10

	// longest wait for the write lock before a close frame is given up
	closeGrace = time.Second

	// far above any 5000 character message, so oversize content is
	// answered inline rather than with a 1009 close
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateRejected
	StateJoined
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRejected:
		return "rejected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one websocket connection joined to one room.
type Client struct {
	id      string
	conn    *websocket.Conn
	gw      *Gateway
	log     *log.Logger
	user    database.User
	room    database.Room
	send    chan *types.Event
	stop    chan struct{}
	state   atomic.Int32
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup sync.Once
}

func newClient(gw *Gateway) *Client {
	ctx, cancel := context.WithCancel(gw.ctx)
	return &Client{
		id:     uuid.NewString(),
		gw:     gw,
		log:    gw.log,
		send:   make(chan *types.Event, sendQueueSize),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	prev := ConnState(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Printf("connection %s: %s -> %s", c.id, prev, s)
	}
}

// Enqueue implements broadcast.Member.
func (c *Client) Enqueue(ev *types.Event) bool {
	return c.queueMessage(ev)
}

// Evict implements broadcast.Member. It is called on the publisher's
// goroutine when the send queue is full, so it only starts the close.
func (c *Client) Evict() {
	c.log.Printf("connection %s: evicted, send queue full", c.id)
	go c.close(websocket.ClosePolicyViolation, "too slow")
}

func (c *Client) queueMessage(ev *types.Event) bool {
	select {
	case c.send <- ev:
	default:
		return false
	}

	return true
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
		c.gw.wg.Done()
	}()

	for {
		select {
		case ev := <-c.send:
			bytes, err := json.Marshal(ev)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.shutdown()
		c.gw.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("connection %s: read: %v", c.id, err)
			}
			return
		}

		c.handleFrame(raw)
	}
}

// handleFrame processes one inbound frame to completion. Failures are
// reported to this client only and never close the connection.
func (c *Client) handleFrame(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.queueMessage(types.NewErrorEvent(ErrInvalidFormat))
		return
	}

	content := strings.TrimSpace(msg.Message)
	if content == "" {
		return
	}

	c.gw.handleMessage(c, content)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("connection %s: write: %v", c.id, err)
		}
		return false
	}

	return true
}

// close sends a close frame and tears the connection down. The frame is
// dropped if the write pump does not release the connection within
// closeGrace.
func (c *Client) close(code int, reason string) {
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeGrace),
	)
	c.shutdown()
}

// shutdown runs exactly once per connection, whichever path gets here first.
func (c *Client) shutdown() {
	c.cleanup.Do(func() {
		c.gw.broadcaster.Leave(c.room.Id, c)
		c.cancel()
		close(c.stop)
		c.conn.Close()
		c.gw.removeClient(c)
		c.setState(StateClosed)
	})
}
