package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/broadcast"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/npezzotti/go-dmchat/internal/store"
	"github.com/npezzotti/go-dmchat/internal/types"
)

const RoomIdPathValue = "room_id"

type Authenticator interface {
	Validate(ctx context.Context, token string) (*auth.Identity, error)
}

type RoomStore interface {
	ResolveRoom(ctx context.Context, externalId string) (database.Room, error)
	CreateMessage(ctx context.Context, room database.Room, sender database.User, content string) (types.Message, error)
}

type Options struct {
	Logger         *log.Logger
	Auth           Authenticator
	Store          RoomStore
	Broadcaster    broadcast.Broadcaster
	Stats          stats.StatsProvider
	AllowedOrigins []string
}

// Gateway accepts websocket connections for rooms and relays messages
// between their participants.
type Gateway struct {
	log         *log.Logger
	auth        Authenticator
	store       RoomStore
	broadcaster broadcast.Broadcaster
	stats       stats.StatsProvider
	upgrader    websocket.Upgrader
	sequencer   *roomSequencer

	ctx    context.Context
	cancel context.CancelFunc

	clients      map[*Client]struct{}
	clientsLock  sync.Mutex
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

func NewGateway(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		log:         logger,
		auth:        opts.Auth,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		stats:       opts.Stats,
		sequencer:   newRoomSequencer(),
		ctx:         ctx,
		cancel:      cancel,
		clients:     make(map[*Client]struct{}),
	}

	g.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(opts.AllowedOrigins, origin)
		},
	}

	g.stats.RegisterMetric(stats.NumActiveConnections)
	g.stats.RegisterMetric(stats.NumRejectedConnections)
	g.stats.RegisterMetric(stats.NumMessagesPublished)
	g.stats.RegisterMetric(stats.NumSessionsRotated)

	return g
}

// ServeHTTP handles GET /chat/{room_id}. Every authentication or access
// failure gets the same bare 403 so a client cannot tell which check failed.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := newClient(g)

	if g.shuttingDown.Load() {
		c.cancel()
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	c.setState(StateAuthenticating)
	id, room, err := g.authorize(c.ctx, r)
	if err != nil {
		g.reject(w, c, err)
		return
	}
	c.user = id.User
	c.room = room

	var header http.Header
	if id.RotatedToken != "" {
		header = http.Header{}
		header.Add("Set-Cookie", auth.NewSessionCookie(id.RotatedToken, id.Session.ExpiresAt).String())
		g.stats.Incr(stats.NumSessionsRotated)
	}

	conn, err := g.upgrader.Upgrade(w, r, header)
	if err != nil {
		// the upgrader has already replied
		g.log.Printf("connection %s: upgrade: %v", c.id, err)
		c.cancel()
		return
	}
	c.conn = conn

	if !g.addClient(c) {
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	g.log.Printf("connection %s: user %d joined room %s", c.id, c.user.Id, room.ExternalId)

	go c.Write()
	go c.Read()
}

func (g *Gateway) authorize(ctx context.Context, r *http.Request) (*auth.Identity, database.Room, error) {
	id, err := g.auth.Validate(ctx, auth.TokenFromRequest(r))
	if err != nil {
		return nil, database.Room{}, err
	}

	room, err := g.store.ResolveRoom(ctx, r.PathValue(RoomIdPathValue))
	if err != nil {
		return nil, database.Room{}, err
	}

	if !store.IsParticipant(room, id.User.Id) {
		return nil, database.Room{}, types.ErrAccessDenied
	}

	return id, room, nil
}

func (g *Gateway) reject(w http.ResponseWriter, c *Client, err error) {
	c.setState(StateRejected)
	switch {
	case errors.Is(err, types.ErrUnauthenticated),
		errors.Is(err, types.ErrAccessDenied),
		errors.Is(err, types.ErrRoomNotFound):
		g.log.Printf("connection %s: rejected: %v", c.id, err)
	default:
		g.log.Printf("connection %s: rejected on internal error: %v", c.id, err)
	}
	g.stats.Incr(stats.NumRejectedConnections)

	w.WriteHeader(http.StatusForbidden)
	c.cancel()
	c.setState(StateClosed)
}

// handleMessage persists content and publishes it to the room. The room
// lock is held across both steps so publish order matches commit order.
func (g *Gateway) handleMessage(c *Client, content string) {
	if _, err := store.ValidateContent(content); err != nil {
		c.queueMessage(types.NewErrorEvent(ErrMessageTooLong))
		return
	}

	unlock := g.sequencer.lock(c.room.Id)
	defer unlock()

	msg, err := g.store.CreateMessage(c.ctx, c.room, c.user, content)
	if err != nil {
		if errors.Is(err, types.ErrMalformedMessage) {
			c.queueMessage(types.NewErrorEvent(ErrMessageTooLong))
			return
		}
		g.log.Printf("connection %s: save message in room %s: %v", c.id, c.room.ExternalId, err)
		c.queueMessage(types.NewErrorEvent(ErrSendFailed))
		return
	}

	if err := g.broadcaster.Publish(c.ctx, c.room.Id, messageEvent(msg, c.user)); err != nil {
		g.log.Printf("connection %s: publish message %s: %v", c.id, msg.Id, err)
		c.queueMessage(types.NewErrorEvent(ErrDeliveryFailed))
		return
	}

	g.stats.Incr(stats.NumMessagesPublished)
}

// addClient registers c and joins it to its room. Holding clientsLock
// across the join means Shutdown either sees the client or refuses it.
func (g *Gateway) addClient(c *Client) bool {
	g.clientsLock.Lock()
	defer g.clientsLock.Unlock()

	if g.shuttingDown.Load() {
		return false
	}

	g.clients[c] = struct{}{}
	g.wg.Add(2)
	g.stats.Incr(stats.NumActiveConnections)

	// queued before joining so it is the first event the client sees
	c.queueMessage(connectionEstablished())
	g.broadcaster.Join(c.room.Id, c)
	c.setState(StateJoined)
	return true
}

func (g *Gateway) removeClient(c *Client) {
	g.clientsLock.Lock()
	defer g.clientsLock.Unlock()

	if _, ok := g.clients[c]; ok {
		delete(g.clients, c)
		g.stats.Decr(stats.NumActiveConnections)
	}
}

// NumClients returns the number of open connections.
func (g *Gateway) NumClients() int {
	g.clientsLock.Lock()
	defer g.clientsLock.Unlock()
	return len(g.clients)
}

// Shutdown closes every connection and waits for their goroutines to exit
// or for ctx to expire. New connections are refused once it is called.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.log.Println("closing websocket connections")

	g.clientsLock.Lock()
	g.shuttingDown.Store(true)
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.clientsLock.Unlock()

	for _, c := range clients {
		go c.close(websocket.CloseGoingAway, "server shutting down")
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
