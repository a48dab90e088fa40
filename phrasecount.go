// Phrasecount room server
//
// Each room is a shared meeting session: the first client to join becomes
// host, players submit guesses for how often the target phrase will be said,
// and the host reveals the true count. The closest guess wins, ties going to
// whoever joined first.
//
// Features:
// - WebSockets per room ID: /room/:roomid and /room/:roomid/ws
// - First joinRoom for a room assigns the host (permanent, no migration)
// - Host-only commands: removePlayer, startGuessing, revealAnswer,
//   resetGame, updateTitle, updatePhrase, closeRoom
// - Full room snapshot broadcast to every subscriber after each accepted
//   mutation; rejected commands are silent no-ops
// - closeRoom broadcasts a terminal roomClosed signal, severs all
//   subscribers, and deletes the room
// - Random meeting_<ms>_<suffix> room IDs via crypto/rand, with server-side
//   collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"phrasecount/pkg/game"
)

type Client struct {
	conn *websocket.Conn
	send chan any
}

type joinRequest struct {
	client *Client
	msg    game.ClientMessage
}

type hostCommand struct {
	client *Client
	msg    game.ClientMessage
}

type guessRequest struct {
	client *Client
	msg    game.ClientMessage
}

// Hub fans one room's events out to its subscribers. All room mutations run
// on the hub's loop, so the game state needs no locking of its own.
type Hub struct {
	id      string
	store   *game.Store
	manager *RoomManager

	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	joins    chan joinRequest
	hostCmds chan hostCommand
	guesses  chan guessRequest

	// closed is set once the host has closed the room; conns counts
	// connections whose readPumps still owe us an unregister
	closed bool
	conns  int

	// done is closed when run returns, so a handler holding a stale hub
	// reference can tell nobody is draining register anymore
	done chan struct{}

	mu sync.RWMutex
}

func newHub(roomID string, store *game.Store, manager *RoomManager) *Hub {
	return &Hub{
		id:       roomID,
		store:    store,
		manager:  manager,
		clients:  make(map[*Client]bool),
		register: make(chan *Client),
		unreg:    make(chan *Client),
		joins:    make(chan joinRequest),
		hostCmds: make(chan hostCommand),
		guesses:  make(chan guessRequest),
		done:     make(chan struct{}),
	}
}

func (h *Hub) run(cfg *Config) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.conns++
			if h.closed {
				// Room was closed while this connection was being set up.
				c.send <- game.RoomClosedMessage{Type: "roomClosed", RoomID: h.id}
				close(c.send)
				h.mu.Unlock()
				continue
			}
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.conns--
			if h.closed && h.conns <= 0 {
				h.mu.Unlock()
				return
			}
			h.mu.Unlock()

		case jr := <-h.joins:
			h.handleJoin(cfg, jr)

		case cmd := <-h.hostCmds:
			done := h.handleHostCommand(cfg, cmd)
			if done {
				return
			}

		case gr := <-h.guesses:
			h.handleGuess(gr)
		}
	}
}

// broadcastRoomLocked pushes the current full snapshot to every subscriber.
// Slow clients are dropped rather than buffered indefinitely.
func (h *Hub) broadcastRoomLocked() {
	room := h.store.Get(h.id)
	if room == nil {
		return
	}

	msg := game.GameUpdateMessage{Type: "gameUpdate", Room: room.Snapshot()}
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// handleJoin processes "joinRoom" and "joinGame".
func (h *Hub) handleJoin(cfg *Config, jr joinRequest) {
	msg := jr.msg
	c := jr.client

	if msg.PlayerID == "" {
		return
	}
	if msg.RoomID != "" && msg.RoomID != h.id {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	switch msg.Type {
	case "joinRoom":
		// A client evicted for falling behind has a closed send channel;
		// a queued join from it must not reach that channel.
		if _, ok := h.clients[c]; !ok {
			return
		}

		room := h.store.Ensure(h.id)
		if room.AssignHostIfAbsent(msg.PlayerID) {
			logf(cfg, "ROOMS: Player %s is now hosting %s", msg.PlayerID, h.id)
		}

		select {
		case c.send <- game.RoomJoinedMessage{
			Type:   "roomJoined",
			Room:   room.Snapshot(),
			IsHost: room.Host == msg.PlayerID,
		}:
		default:
			delete(h.clients, c)
			close(c.send)
		}

	case "joinGame":
		room := h.store.Get(h.id)
		if room == nil {
			return
		}
		if room.AddPlayer(msg.PlayerID, msg.PlayerName) {
			logf(cfg, "ROOMS: Player %q joined %s", msg.PlayerName, h.id)
			h.broadcastRoomLocked()
		}
	}
}

// handleGuess processes "submitGuess".
func (h *Hub) handleGuess(gr guessRequest) {
	msg := gr.msg

	if msg.Guess == nil || msg.PlayerID == "" {
		return
	}
	if msg.RoomID != "" && msg.RoomID != h.id {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	room := h.store.Get(h.id)
	if room == nil {
		return
	}
	if room.SetGuess(msg.PlayerID, *msg.Guess) {
		h.broadcastRoomLocked()
	}
}

// handleHostCommand processes the host-only commands. The claimed hostId is
// checked against room.host inside each mutation; anything that does not
// match is silently ignored. Returns true once the room has been closed and
// every connection has unregistered, ending the hub loop.
func (h *Hub) handleHostCommand(cfg *Config, cmd hostCommand) bool {
	msg := cmd.msg

	if msg.RoomID != "" && msg.RoomID != h.id {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	room := h.store.Get(h.id)
	if room == nil {
		return false
	}

	applied := false

	switch msg.Type {
	case "removePlayer":
		applied = room.RemovePlayer(msg.HostID, msg.PlayerID)

	case "startGuessing":
		applied = room.StartGuessing(msg.HostID)
		if applied {
			logf(cfg, "ROOMS: Guessing started in %s", h.id)
		}

	case "revealAnswer":
		if msg.Answer != nil {
			applied = room.Reveal(msg.HostID, *msg.Answer)
		}

	case "resetGame":
		applied = room.Reset(msg.HostID)

	case "updateTitle":
		applied = room.SetTitle(msg.HostID, msg.Title)

	case "updatePhrase":
		applied = room.SetPhrase(msg.HostID, msg.Phrase)

	case "closeRoom":
		if !room.IsHost(msg.HostID) {
			return false
		}
		logf(cfg, "ROOMS: Host %s closing room %s", msg.HostID, h.id)
		return h.closeRoomLocked()
	}

	if applied {
		h.broadcastRoomLocked()
	}
	return false
}

// closeRoomLocked broadcasts the terminal roomClosed signal, severs every
// subscriber, and removes the room from the store and the hub from the
// manager. Returns true if the loop can end immediately because no
// connections remain.
func (h *Hub) closeRoomLocked() bool {
	closing := game.RoomClosedMessage{Type: "roomClosed", RoomID: h.id}

	for client := range h.clients {
		select {
		case client.send <- closing:
		default:
		}
		close(client.send)
		delete(h.clients, client)
	}

	h.closed = true
	h.store.Delete(h.id)
	h.manager.remove(h.id)

	return h.conns <= 0
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RoomManager holds the hub for each live room, so every /room/:roomid is
// its own isolated session. There is no idle reaper: rooms exist until their
// host closes them or the process exits.
type RoomManager struct {
	mu    sync.Mutex
	hubs  map[string]*Hub
	store *game.Store
}

func newRoomManager(store *game.Store) *RoomManager {
	return &RoomManager{
		hubs:  make(map[string]*Hub),
		store: store,
	}
}

func (rm *RoomManager) getHub(cfg *Config, roomID string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if hub, ok := rm.hubs[roomID]; ok {
		return hub
	}

	hub := newHub(roomID, rm.store, rm)
	rm.hubs[roomID] = hub
	go hub.run(cfg)
	return hub
}

// attach registers c with hub, falling back to a freshly resolved hub when
// the one this handler grabbed stopped before the registration landed. The
// window exists because closeRoomLocked removes the hub from the manager
// before its loop returns.
func (rm *RoomManager) attach(cfg *Config, roomID string, hub *Hub, c *Client) *Hub {
	for {
		select {
		case hub.register <- c:
			return hub
		case <-hub.done:
			hub = rm.getHub(cfg, roomID)
		}
	}
}

func (rm *RoomManager) remove(roomID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.hubs, roomID)
}

// newRoomID generates a room ID in the same shape the web client uses
// (meeting_<unix-ms>_<random>), ensuring it doesn't collide with a live
// room.
func (rm *RoomManager) newRoomID() string {
	for {
		id := "meeting_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + randomSuffix(6)

		rm.mu.Lock()
		_, exists := rm.hubs[id]
		rm.mu.Unlock()

		if !exists && rm.store.Get(id) == nil {
			return id
		}
	}
}

func randomSuffix(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[int(buf[i])%len(letters)]
	}
	return string(out)
}

// WebSocket handler that picks the hub based on :roomid. The connection is
// bound to that room for its whole lifetime.
func serveWSForManager(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		hub := rm.getHub(cfg, roomID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		hub = rm.attach(cfg, roomID, hub, client)

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg game.ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "joinRoom", "joinGame":
			h.joins <- joinRequest{
				client: c,
				msg:    msg,
			}
		case "submitGuess":
			h.guesses <- guessRequest{
				client: c,
				msg:    msg,
			}
		case "removePlayer", "startGuessing", "revealAnswer", "resetGame",
			"updateTitle", "updatePhrase", "closeRoom":
			h.hostCmds <- hostCommand{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed room/index.html
var indexHTML []byte

//go:embed room/app.css
var phrasecountCSS []byte

//go:embed room/app.js
var phrasecountJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(phrasecountCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(phrasecountJS)
	}
}

// redirectNewRoom handles GET /room by generating a fresh room ID and
// redirecting to /room/:roomid.
func redirectNewRoom(cfg *Config, path string, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := rm.newRoomID()
		logf(cfg, "ROOMS: Created room %s/%s", path, roomID)
		http.Redirect(w, r, path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerPhraseGame sets up routes so that:
//   - $path                  → redirects to a new random room
//   - $path/:roomid          → HTML client
//   - $path/:roomid/ws       → WebSocket for that room
//   - $path/:roomid/qr       → PNG QR code for that room URL
func registerPhraseGame(cfg *Config, path string, mux *httprouter.Router) *RoomManager {
	store := game.NewStore(cfg.roomTitle)
	rm := newRoomManager(store)

	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, cfg.prefix+path, rm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no roomid in route)
	mux.GET(cfg.prefix+"/assets/room/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/room/app.js", getJsHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:roomid/ws", serveWSForManager(cfg, rm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)

	return rm
}
