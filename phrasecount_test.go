package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phrasecount/pkg/game"
)

const readWait = 3 * time.Second

type serverEnvelope struct {
	Type   string     `json:"type"`
	Room   *game.Room `json:"room"`
	IsHost bool       `json:"isHost"`
	RoomID string     `json:"roomId"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &Config{roomTitle: game.DefaultTitle}
	mux := httprouter.New()
	registerPhraseGame(cfg, "/room", mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRoom(t *testing.T, srv *httptest.Server, roomID string) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/room/" + roomID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg game.ClientMessage) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *wsClient) read() serverEnvelope {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readWait)))
	var env serverEnvelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// joinRoom sends the joinRoom intent and returns the roomJoined reply.
func (c *wsClient) joinRoom(roomID, playerID string) serverEnvelope {
	c.t.Helper()

	c.send(game.ClientMessage{Type: "joinRoom", RoomID: roomID, PlayerID: playerID})
	env := c.read()
	require.Equal(c.t, "roomJoined", env.Type)
	require.NotNil(c.t, env.Room)
	return env
}

// waitForUpdate reads broadcasts until the predicate holds, failing the test
// if it never does.
func (c *wsClient) waitForUpdate(match func(*game.Room) bool) *game.Room {
	c.t.Helper()

	for {
		env := c.read()
		if env.Type != "gameUpdate" || env.Room == nil {
			continue
		}
		if match(env.Room) {
			return env.Room
		}
	}
}

func TestJoinRoomAssignsHostToFirstJoiner(t *testing.T) {
	srv := newTestServer(t)

	a := dialRoom(t, srv, "meeting_host_test")
	joined := a.joinRoom("meeting_host_test", "player_a")
	assert.True(t, joined.IsHost)
	assert.Equal(t, "player_a", joined.Room.Host)
	assert.Equal(t, game.DefaultTitle, joined.Room.Title)
	assert.Equal(t, game.StateWaiting, joined.Room.State)

	b := dialRoom(t, srv, "meeting_host_test")
	joinedB := b.joinRoom("meeting_host_test", "player_b")
	assert.False(t, joinedB.IsHost)
	assert.Equal(t, "player_a", joinedB.Room.Host)
}

func TestFullGameRound(t *testing.T) {
	srv := newTestServer(t)
	roomID := "meeting_full_round"

	host := dialRoom(t, srv, roomID)
	require.True(t, host.joinRoom(roomID, "player_host").IsHost)

	alice := dialRoom(t, srv, roomID)
	alice.joinRoom(roomID, "player_alice")
	bob := dialRoom(t, srv, roomID)
	bob.joinRoom(roomID, "player_bob")

	alice.send(game.ClientMessage{Type: "joinGame", RoomID: roomID, PlayerID: "player_alice", PlayerName: "Alice"})
	host.waitForUpdate(func(r *game.Room) bool { return len(r.Players) == 1 })
	bob.send(game.ClientMessage{Type: "joinGame", RoomID: roomID, PlayerID: "player_bob", PlayerName: "Bob"})

	roster := host.waitForUpdate(func(r *game.Room) bool { return len(r.Players) == 2 })
	assert.Equal(t, "Alice", roster.Players[0].Name)
	assert.Equal(t, "Bob", roster.Players[1].Name)

	host.send(game.ClientMessage{Type: "startGuessing", RoomID: roomID, HostID: "player_host"})
	host.waitForUpdate(func(r *game.Room) bool { return r.State == game.StateGuessing })

	ten, fourteen := 10, 14
	alice.send(game.ClientMessage{Type: "submitGuess", RoomID: roomID, PlayerID: "player_alice", Guess: &ten})
	bob.send(game.ClientMessage{Type: "submitGuess", RoomID: roomID, PlayerID: "player_bob", Guess: &fourteen})

	host.waitForUpdate(func(r *game.Room) bool {
		return r.Players[0].Guess != nil && r.Players[1].Guess != nil
	})

	twelve := 12
	host.send(game.ClientMessage{Type: "revealAnswer", RoomID: roomID, HostID: "player_host", Answer: &twelve})

	final := alice.waitForUpdate(func(r *game.Room) bool { return r.State == game.StateFinished })
	require.NotNil(t, final.CorrectAnswer)
	assert.Equal(t, 12, *final.CorrectAnswer)
	require.NotNil(t, final.Players[0].Difference)
	assert.Equal(t, 2, *final.Players[0].Difference)
	require.NotNil(t, final.Players[1].Difference)
	assert.Equal(t, 2, *final.Players[1].Difference)

	// Both are off by two; the tie goes to Alice, who joined first.
	require.NotNil(t, final.Winner)
	assert.Equal(t, "Alice", final.Winner.Name)
}

func TestNonHostCommandsAreIgnored(t *testing.T) {
	srv := newTestServer(t)
	roomID := "meeting_auth_test"

	host := dialRoom(t, srv, roomID)
	host.joinRoom(roomID, "player_host")

	d := dialRoom(t, srv, roomID)
	d.joinRoom(roomID, "player_d")
	d.send(game.ClientMessage{Type: "joinGame", RoomID: roomID, PlayerID: "player_d", PlayerName: "Dana"})
	d.waitForUpdate(func(r *game.Room) bool { return len(r.Players) == 1 })

	// Non-host start must be a silent no-op.
	d.send(game.ClientMessage{Type: "startGuessing", RoomID: roomID, HostID: "player_d"})
	d.send(game.ClientMessage{Type: "updateTitle", RoomID: roomID, HostID: "player_d", Title: "hijacked"})

	// A subsequent accepted mutation shows nothing changed in between.
	host.send(game.ClientMessage{Type: "updatePhrase", RoomID: roomID, HostID: "player_host", Phrase: "synergy"})
	room := d.waitForUpdate(func(r *game.Room) bool { return r.Phrase != nil && *r.Phrase == "synergy" })
	assert.Equal(t, game.StateWaiting, room.State)
	assert.Equal(t, game.DefaultTitle, room.Title)
}

func TestResetClearsRoundButKeepsRoomIdentity(t *testing.T) {
	srv := newTestServer(t)
	roomID := "meeting_reset_test"

	host := dialRoom(t, srv, roomID)
	host.joinRoom(roomID, "player_host")
	host.send(game.ClientMessage{Type: "updateTitle", RoomID: roomID, HostID: "player_host", Title: "Retro"})
	host.send(game.ClientMessage{Type: "joinGame", RoomID: roomID, PlayerID: "player_host", PlayerName: "Host"})
	host.send(game.ClientMessage{Type: "startGuessing", RoomID: roomID, HostID: "player_host"})

	three := 3
	host.send(game.ClientMessage{Type: "submitGuess", RoomID: roomID, PlayerID: "player_host", Guess: &three})
	five := 5
	host.send(game.ClientMessage{Type: "revealAnswer", RoomID: roomID, HostID: "player_host", Answer: &five})
	host.waitForUpdate(func(r *game.Room) bool { return r.State == game.StateFinished })

	host.send(game.ClientMessage{Type: "resetGame", RoomID: roomID, HostID: "player_host"})
	room := host.waitForUpdate(func(r *game.Room) bool { return r.State == game.StateWaiting })

	assert.Empty(t, room.Players)
	assert.Nil(t, room.CorrectAnswer)
	assert.Nil(t, room.Winner)
	assert.Equal(t, "Retro", room.Title)
	assert.Equal(t, "player_host", room.Host)
}

func TestCloseRoomIsTerminalAndIdIsReusable(t *testing.T) {
	srv := newTestServer(t)
	roomID := "meeting_close_test"

	host := dialRoom(t, srv, roomID)
	host.joinRoom(roomID, "player_host")
	b := dialRoom(t, srv, roomID)
	b.joinRoom(roomID, "player_b")

	host.send(game.ClientMessage{Type: "closeRoom", RoomID: roomID, HostID: "player_host"})

	envHost := host.read()
	assert.Equal(t, "roomClosed", envHost.Type)
	assert.Equal(t, roomID, envHost.RoomID)

	envB := b.read()
	assert.Equal(t, "roomClosed", envB.Type)
	assert.Equal(t, roomID, envB.RoomID)

	// The same id now names a brand-new room; its first joiner becomes host.
	c := dialRoom(t, srv, roomID)
	joined := c.joinRoom(roomID, "player_c")
	assert.True(t, joined.IsHost)
	assert.Equal(t, "player_c", joined.Room.Host)
	assert.Empty(t, joined.Room.Players)
}

func TestJoinFromEvictedClientIsDropped(t *testing.T) {
	cfg := &Config{}
	store := game.NewStore("")
	rm := newRoomManager(store)
	h := newHub("meeting_evicted", store, rm)

	store.Ensure("meeting_evicted")

	// An unbuffered send channel with no reader is the slowest possible
	// client; the next broadcast evicts it and closes the channel.
	c := &Client{send: make(chan any)}
	h.clients[c] = true
	h.broadcastRoomLocked()

	_, member := h.clients[c]
	require.False(t, member)

	// A join already queued from that connection must be discarded, not
	// answered on the closed channel.
	require.NotPanics(t, func() {
		h.handleJoin(cfg, joinRequest{
			client: c,
			msg:    game.ClientMessage{Type: "joinRoom", RoomID: "meeting_evicted", PlayerID: "player_late"},
		})
	})
}

func TestAttachSurvivesHubShutdownRace(t *testing.T) {
	cfg := &Config{}
	store := game.NewStore("")
	rm := newRoomManager(store)
	roomID := "meeting_stale_hub"

	stale := rm.getHub(cfg, roomID)

	hostC := &Client{send: make(chan any, 8)}
	stale.register <- hostC
	stale.joins <- joinRequest{client: hostC, msg: game.ClientMessage{Type: "joinRoom", RoomID: roomID, PlayerID: "player_host"}}
	stale.hostCmds <- hostCommand{client: hostC, msg: game.ClientMessage{Type: "closeRoom", RoomID: roomID, HostID: "player_host"}}
	stale.unreg <- hostC

	select {
	case <-stale.done:
	case <-time.After(readWait):
		t.Fatal("hub loop did not stop after the last unregister")
	}

	// A handler that resolved the hub before the close must still land its
	// registration on a live hub instead of blocking forever.
	late := &Client{send: make(chan any, 8)}
	attached := make(chan *Hub, 1)
	go func() {
		attached <- rm.attach(cfg, roomID, stale, late)
	}()

	select {
	case hub := <-attached:
		require.NotSame(t, stale, hub)
	case <-time.After(readWait):
		t.Fatal("register hung on a stopped hub")
	}
}

func TestRoomRoutesWorkBehindPrefix(t *testing.T) {
	cfg := &Config{prefix: "/pg", roomTitle: game.DefaultTitle}
	mux := httprouter.New()
	registerPhraseGame(cfg, "/room", mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	page, err := http.Get(srv.URL + "/pg/room/meeting_prefixed")
	require.NoError(t, err)
	defer page.Body.Close()
	require.Equal(t, http.StatusOK, page.StatusCode)

	// The page must reference its assets relative to the room URL, or they
	// resolve outside the prefix.
	body, err := io.ReadAll(page.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `href="../assets/room/app.css"`)
	assert.Contains(t, string(body), `src="../assets/room/app.js"`)
	assert.NotContains(t, string(body), `"/assets/`)

	js, err := http.Get(srv.URL + "/pg/assets/room/app.js")
	require.NoError(t, err)
	defer js.Body.Close()
	assert.Equal(t, http.StatusOK, js.StatusCode)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/pg/room/meeting_prefixed/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestMismatchedRoomIDIsIgnored(t *testing.T) {
	srv := newTestServer(t)
	roomID := "meeting_bind_test"

	host := dialRoom(t, srv, roomID)
	host.joinRoom(roomID, "player_host")
	host.send(game.ClientMessage{Type: "joinGame", RoomID: roomID, PlayerID: "player_host", PlayerName: "Host"})
	host.waitForUpdate(func(r *game.Room) bool { return len(r.Players) == 1 })

	// Commands naming some other room must not leak into this one.
	host.send(game.ClientMessage{Type: "startGuessing", RoomID: "meeting_other", HostID: "player_host"})

	host.send(game.ClientMessage{Type: "updatePhrase", RoomID: roomID, HostID: "player_host", Phrase: "low hanging fruit"})
	room := host.waitForUpdate(func(r *game.Room) bool { return r.Phrase != nil && *r.Phrase == "low hanging fruit" })
	assert.Equal(t, game.StateWaiting, room.State)
}
