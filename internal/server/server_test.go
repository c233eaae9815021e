package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/broadcast"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/encryption"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/npezzotti/go-dmchat/internal/store"
	"github.com/npezzotti/go-dmchat/internal/testutil"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	currentSecret = []byte("current-secret")
	oldSecret     = []byte("old-secret")
)

type testEnv struct {
	repo     *testutil.FakeRepository
	sessions *auth.MemorySessionStore
	backends map[string]auth.Backend
	authn    *auth.Authenticator
	store    *store.Store
	registry *broadcast.Registry
	gw       *Gateway
	srv      *httptest.Server

	alice, bob, eve database.User
	room            database.Room
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger(t)

	e := &testEnv{repo: testutil.NewFakeRepository(), sessions: auth.NewMemorySessionStore()}
	for name, u := range map[string]*database.User{"alice": &e.alice, "bob": &e.bob, "eve": &e.eve} {
		created, err := e.repo.CreateAccount(ctx, database.CreateAccountParams{Username: name, PasswordHash: name + "-hash"})
		require.NoError(t, err)
		*u = created
	}

	codec, err := encryption.NewCodec("test passphrase")
	require.NoError(t, err)
	e.store = store.New(e.repo, codec, logger)

	e.backends, err = auth.ParseBackends([]string{auth.BackendPassword}, e.repo)
	require.NoError(t, err)
	e.authn = e.newAuthenticator(t, currentSecret, oldSecret)

	e.registry = broadcast.NewRegistry(stats.NewNopMock(), logger)
	e.gw = NewGateway(Options{
		Logger:      logger,
		Auth:        e.authn,
		Store:       e.store,
		Broadcaster: e.registry,
		Stats:       stats.NewNopMock(),
	})

	mux := http.NewServeMux()
	mux.Handle("GET /chat/{room_id}", e.gw)
	e.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.gw.Shutdown(ctx)
		e.srv.Close()
	})

	e.room, err = e.store.GetOrCreateRoom(ctx, e.alice.Id, e.bob.Id)
	require.NoError(t, err)

	return e
}

func (e *testEnv) newAuthenticator(t *testing.T, secret []byte, fallbacks ...[]byte) *auth.Authenticator {
	t.Helper()
	a, err := auth.NewAuthenticator(auth.Options{
		Secret:          secret,
		FallbackSecrets: fallbacks,
		TTL:             time.Hour,
		Backends:        e.backends,
		Store:           e.sessions,
		Logger:          testutil.TestLogger(t),
	})
	require.NoError(t, err)
	return a
}

func (e *testEnv) token(t *testing.T, u database.User) string {
	t.Helper()
	_, token, err := e.authn.Login(context.Background(), "", u, auth.BackendPassword)
	require.NoError(t, err)
	return token
}

func (e *testEnv) dial(roomId string, header http.Header) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/chat/" + roomId
	return websocket.DefaultDialer.Dial(url, header)
}

func cookieHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Cookie", auth.SessionCookieName+"="+token)
	return h
}

// connect dials the room as u and consumes the connection_established event.
func (e *testEnv) connect(t *testing.T, u database.User) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(e.room.ExternalId, cookieHeader(e.token(t, u)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ev := readEvent(t, conn)
	require.Equal(t, types.EventConnectionEstablished, ev.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *types.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev types.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return &ev
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func TestGatewayRejects(t *testing.T) {
	e := newTestEnv(t)

	tcases := []struct {
		name   string
		roomId string
		header func() http.Header
	}{
		{
			name:   "no token",
			roomId: e.room.ExternalId,
			header: func() http.Header { return nil },
		},
		{
			name:   "invalid token",
			roomId: e.room.ExternalId,
			header: func() http.Header { return cookieHeader("bogus") },
		},
		{
			name:   "unknown room",
			roomId: "nosuchroom",
			header: func() http.Header { return cookieHeader(e.token(t, e.alice)) },
		},
		{
			name:   "not a participant",
			roomId: e.room.ExternalId,
			header: func() http.Header { return cookieHeader(e.token(t, e.eve)) },
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := e.dial(tc.roomId, tc.header())
			if conn != nil {
				conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Empty(t, body, "rejection must not explain itself")
		})
	}

	assert.Zero(t, e.registry.Count(e.room.Id))
	assert.Zero(t, e.gw.NumClients())
}

func TestGatewayBearerToken(t *testing.T) {
	e := newTestEnv(t)

	h := http.Header{}
	h.Set("Authorization", "Bearer "+e.token(t, e.alice))
	conn, _, err := e.dial(e.room.ExternalId, h)
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	assert.Equal(t, types.EventConnectionEstablished, ev.Type)
	assert.NotEmpty(t, ev.Message)
}

func TestGatewayBroadcast(t *testing.T) {
	e := newTestEnv(t)
	alice := e.connect(t, e.alice)
	bob := e.connect(t, e.bob)

	send(t, alice, `{"message":"  hello bob  "}`)

	fromAlice := readEvent(t, alice)
	fromBob := readEvent(t, bob)

	assert.Equal(t, types.EventMessage, fromBob.Type)
	assert.Equal(t, "hello bob", fromBob.Message)
	assert.Equal(t, "alice", fromBob.SenderUsername)
	assert.Regexp(t, `^\d{2}:\d{2}$`, fromBob.Timestamp)
	assert.NotEmpty(t, fromBob.MessageId)
	assert.Equal(t, *fromBob, *fromAlice, "both participants receive the identical event")

	stored := e.repo.Messages(e.room.Id)
	require.Len(t, stored, 1)
	assert.Equal(t, fromBob.MessageId, stored[0].Id)
	assert.NotContains(t, stored[0].Ciphertext, "hello bob")
}

func TestGatewayInvalidFrames(t *testing.T) {
	e := newTestEnv(t)
	alice := e.connect(t, e.alice)
	bob := e.connect(t, e.bob)

	send(t, alice, `not json`)
	ev := readEvent(t, alice)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Equal(t, ErrInvalidFormat, ev.Message)

	send(t, alice, `{"message":"   "}`)
	send(t, alice, `{}`)

	send(t, alice, `{"message":"`+strings.Repeat("x", store.MaxMessageRunes+1)+`"}`)
	ev = readEvent(t, alice)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Equal(t, ErrMessageTooLong, ev.Message)

	// far beyond the content limit, still answered inline
	send(t, alice, `{"message":"`+strings.Repeat("x", 70000)+`"}`)
	ev = readEvent(t, alice)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Equal(t, ErrMessageTooLong, ev.Message)

	assert.Empty(t, e.repo.Messages(e.room.Id), "nothing is persisted")
	room, err := e.store.ResolveRoom(context.Background(), e.room.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, e.room.LastMessageAt, room.LastMessageAt)

	// the connection survives and bob saw none of the above
	send(t, alice, `{"message":"still here"}`)
	ev = readEvent(t, bob)
	assert.Equal(t, types.EventMessage, ev.Type)
	assert.Equal(t, "still here", ev.Message)
}

func TestGatewayPersistenceFailure(t *testing.T) {
	e := newTestEnv(t)
	alice := e.connect(t, e.alice)
	bob := e.connect(t, e.bob)

	e.repo.SetErr(testutil.MethodCreateMessage, errors.New("database is down"))
	send(t, alice, `{"message":"lost"}`)

	ev := readEvent(t, alice)
	assert.Equal(t, types.EventError, ev.Type)
	assert.Equal(t, ErrSendFailed, ev.Message)

	e.repo.SetErr(testutil.MethodCreateMessage, nil)
	send(t, alice, `{"message":"found"}`)

	ev = readEvent(t, bob)
	assert.Equal(t, "found", ev.Message, "failed message was never broadcast")
}

func TestGatewayOrdering(t *testing.T) {
	e := newTestEnv(t)
	alice := e.connect(t, e.alice)
	bob := e.connect(t, e.bob)

	const perSender = 10
	var wg sync.WaitGroup
	for _, conn := range []*websocket.Conn{alice, bob} {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"m"}`)); err != nil {
					return
				}
			}
		}(conn)
	}

	read := func(conn *websocket.Conn) []string {
		var ids []string
		for len(ids) < 2*perSender {
			ev := readEvent(t, conn)
			require.Equal(t, types.EventMessage, ev.Type)
			ids = append(ids, ev.MessageId)
		}
		return ids
	}

	aliceIds := read(alice)
	bobIds := read(bob)
	wg.Wait()

	var committed []string
	for _, m := range e.repo.Messages(e.room.Id) {
		committed = append(committed, m.Id)
	}

	assert.Equal(t, committed, aliceIds, "delivery order matches commit order")
	assert.Equal(t, aliceIds, bobIds)
}

func TestGatewayRotatedSession(t *testing.T) {
	e := newTestEnv(t)

	old := e.newAuthenticator(t, oldSecret)
	_, oldToken, err := old.Login(context.Background(), "", e.alice, auth.BackendPassword)
	require.NoError(t, err)

	conn, resp, err := e.dial(e.room.ExternalId, cookieHeader(oldToken))
	require.NoError(t, err)
	defer conn.Close()

	var rotated *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName {
			rotated = c
		}
	}
	require.NotNil(t, rotated, "rotated session must be handed back on upgrade")
	assert.NotEqual(t, oldToken, rotated.Value)

	_, err = e.authn.Validate(context.Background(), rotated.Value)
	assert.NoError(t, err)
	_, err = e.authn.Validate(context.Background(), oldToken)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestGatewayCleanupOnClose(t *testing.T) {
	e := newTestEnv(t)
	alice := e.connect(t, e.alice)
	bob := e.connect(t, e.bob)
	require.Equal(t, 2, e.registry.Count(e.room.Id))

	alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	alice.Close()

	assert.Eventually(t, func() bool {
		return e.registry.Count(e.room.Id) == 1 && e.gw.NumClients() == 1
	}, 3*time.Second, 10*time.Millisecond)

	send(t, bob, `{"message":"anyone?"}`)
	ev := readEvent(t, bob)
	assert.Equal(t, "anyone?", ev.Message)
}

func TestGatewayShutdown(t *testing.T) {
	e := newTestEnv(t)
	alice := e.connect(t, e.alice)
	e.connect(t, e.bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.gw.Shutdown(ctx))

	alice.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.Zero(t, e.registry.Count(e.room.Id))
	assert.Zero(t, e.gw.NumClients())

	_, resp, err := e.dial(e.room.ExternalId, cookieHeader(e.token(t, e.alice)))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGatewaySlowConsumerDoesNotStallRoom(t *testing.T) {
	if testing.Short() {
		t.Skip("floods a socket")
	}
	e := newTestEnv(t)

	// alice's socket has a tiny receive buffer and is never read
	dialer := websocket.Dialer{
		ReadBufferSize: 1024,
		NetDial: func(network, addr string) (net.Conn, error) {
			conn, err := net.Dial(network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				tcp.SetReadBuffer(4096)
			}
			return conn, nil
		},
	}
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/chat/" + e.room.ExternalId
	alice, _, err := dialer.Dial(url, cookieHeader(e.token(t, e.alice)))
	require.NoError(t, err)
	defer alice.Close()

	bob := e.connect(t, e.bob)
	require.Eventually(t, func() bool { return e.registry.Count(e.room.Id) == 2 }, 3*time.Second, 10*time.Millisecond)

	const count = 4000
	frame := `{"message":"` + strings.Repeat("y", store.MaxMessageRunes-100) + `"}`
	go func() {
		for i := 0; i < count; i++ {
			if err := bob.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}()

	var maxGap time.Duration
	last := time.Now()
	for i := 0; i < count; i++ {
		ev := readEvent(t, bob)
		require.Equal(t, types.EventMessage, ev.Type)
		if gap := time.Since(last); gap > maxGap {
			maxGap = gap
		}
		last = time.Now()
	}

	assert.Less(t, maxGap, 2*time.Second, "evicting alice must not hold up bob")
	assert.Eventually(t, func() bool {
		return e.registry.Count(e.room.Id) == 1 && e.gw.NumClients() == 1
	}, 5*time.Second, 10*time.Millisecond, "alice is dropped")
}
