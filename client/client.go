// Package client is the Go view-model for a phrasecount room. A Session
// holds one long-lived subscription: it joins the room over a WebSocket,
// caches every inbound snapshot as the complete authoritative state, and
// exposes fire-and-forget command functions. Commands return optimistic
// success; a rejected command is only visible as the absence of a change in
// the next snapshot.
package client

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"phrasecount/pkg/game"
)

// ErrDisconnected is returned by command functions while the session has no
// live connection. Commands are never queued or retried.
var ErrDisconnected = errors.New("client: not connected")

// ErrRoomClosed is returned once the server has broadcast roomClosed for
// this session's room. The session is terminal at that point.
var ErrRoomClosed = errors.New("client: room closed")

const (
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// NewPlayerID generates an opaque player id, unique for the lifetime of the
// process. One id is meant to be generated per app session and reused across
// reconnects, so the server keeps recognizing the same logical player.
func NewPlayerID() string {
	return "player_" + uuid.NewString()
}

// NewRoomID generates a room id in the same shape the web client uses.
func NewRoomID() string {
	return "meeting_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + uuid.NewString()[:6]
}

// Session is one client's view of one room.
type Session struct {
	wsURL    string
	roomID   string
	playerID string

	mu         sync.RWMutex
	room       *game.Room
	isHost     bool
	connected  bool
	roomClosed bool

	conn    *websocket.Conn
	writeMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// serverEnvelope covers every server-to-client message shape.
type serverEnvelope struct {
	Type   string     `json:"type"`
	Room   *game.Room `json:"room,omitempty"`
	IsHost bool       `json:"isHost,omitempty"`
	RoomID string     `json:"roomId,omitempty"`
}

// Dial connects to a room's WebSocket endpoint (ws[s]://host[/prefix]) and
// sends the joinRoom intent. The first dial is synchronous so the caller
// learns about an unreachable server immediately; afterwards the session
// reconnects on its own, re-sending joinRoom each time.
func Dial(baseURL, roomID string) (*Session, error) {
	s := &Session{
		wsURL:    baseURL + "/room/" + roomID + "/ws",
		roomID:   roomID,
		playerID: NewPlayerID(),
		done:     make(chan struct{}),
	}

	conn, err := s.connect()
	if err != nil {
		return nil, err
	}

	go s.run(conn)
	return s, nil
}

// connect dials and sends joinRoom; the caller owns the returned conn until
// it is handed to the read loop.
func (s *Session) connect() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err != nil {
		return nil, err
	}

	join := game.ClientMessage{
		Type:     "joinRoom",
		RoomID:   s.roomID,
		PlayerID: s.playerID,
	}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	return conn, nil
}

// run reads snapshots until the connection drops, then keeps reconnecting
// with backoff until the session is closed or the room is gone.
func (s *Session) run(conn *websocket.Conn) {
	for {
		s.readLoop(conn)

		s.mu.Lock()
		s.connected = false
		closed := s.roomClosed
		s.mu.Unlock()

		if closed {
			return
		}

		delay := initialRetryDelay
		for {
			select {
			case <-s.done:
				return
			case <-time.After(delay):
			}

			next, err := s.connect()
			if err == nil {
				conn = next
				break
			}

			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		var env serverEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case "roomJoined":
			s.mu.Lock()
			s.room = env.Room
			s.isHost = env.IsHost
			s.mu.Unlock()

		case "gameUpdate":
			s.mu.Lock()
			s.room = env.Room
			s.mu.Unlock()

		case "roomClosed":
			s.mu.Lock()
			s.room = nil
			s.roomClosed = true
			s.mu.Unlock()
			return
		}
	}
}

// Close tears the session down. It does not close the room on the server;
// the host does that with CloseRoom.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	s.writeMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.writeMu.Unlock()
}

// PlayerID is this session's generated identity.
func (s *Session) PlayerID() string {
	return s.playerID
}

// RoomID is the room this session is bound to.
func (s *Session) RoomID() string {
	return s.roomID
}

// Room returns a copy of the last received snapshot, or nil before the
// first one arrives.
func (s *Session) Room() *game.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.room == nil {
		return nil
	}
	return s.room.Snapshot()
}

// IsHost reports whether the server recognized this session as the room's
// host when it joined.
func (s *Session) IsHost() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.isHost
}

// Connected reports transport health. While false, the session is retrying
// in the background.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.connected
}

// RoomClosed reports whether the server has terminally closed this room.
func (s *Session) RoomClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.roomClosed
}

func (s *Session) send(msg game.ClientMessage) error {
	s.mu.RLock()
	closed := s.roomClosed
	connected := s.connected
	s.mu.RUnlock()

	if closed {
		return ErrRoomClosed
	}
	if !connected {
		return ErrDisconnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn == nil {
		return ErrDisconnected
	}
	return s.conn.WriteJSON(msg)
}

// JoinGame adds this session to the roster under the given display name.
func (s *Session) JoinGame(name string) error {
	return s.send(game.ClientMessage{
		Type:       "joinGame",
		RoomID:     s.roomID,
		PlayerID:   s.playerID,
		PlayerName: name,
	})
}

// SubmitGuess records or overwrites this player's guess.
func (s *Session) SubmitGuess(guess int) error {
	g := guess
	return s.send(game.ClientMessage{
		Type:     "submitGuess",
		RoomID:   s.roomID,
		PlayerID: s.playerID,
		Guess:    &g,
	})
}

// StartGuessing opens the guessing phase. Host only; silently ignored by
// the server otherwise.
func (s *Session) StartGuessing() error {
	return s.send(game.ClientMessage{
		Type:   "startGuessing",
		RoomID: s.roomID,
		HostID: s.playerID,
	})
}

// RevealAnswer supplies the true count, ending the round.
func (s *Session) RevealAnswer(answer int) error {
	a := answer
	return s.send(game.ClientMessage{
		Type:   "revealAnswer",
		RoomID: s.roomID,
		HostID: s.playerID,
		Answer: &a,
	})
}

// ResetGame returns the room to waiting with an empty roster.
func (s *Session) ResetGame() error {
	return s.send(game.ClientMessage{
		Type:   "resetGame",
		RoomID: s.roomID,
		HostID: s.playerID,
	})
}

// UpdateTitle changes the room's display title.
func (s *Session) UpdateTitle(title string) error {
	return s.send(game.ClientMessage{
		Type:   "updateTitle",
		RoomID: s.roomID,
		HostID: s.playerID,
		Title:  title,
	})
}

// UpdatePhrase changes the phrase being counted.
func (s *Session) UpdatePhrase(phrase string) error {
	return s.send(game.ClientMessage{
		Type:   "updatePhrase",
		RoomID: s.roomID,
		HostID: s.playerID,
		Phrase: phrase,
	})
}

// RemovePlayer drops a player from the roster.
func (s *Session) RemovePlayer(playerID string) error {
	return s.send(game.ClientMessage{
		Type:     "removePlayer",
		RoomID:   s.roomID,
		HostID:   s.playerID,
		PlayerID: playerID,
	})
}

// CloseRoom deletes the room for everyone. The server answers with a
// terminal roomClosed broadcast.
func (s *Session) CloseRoom() error {
	return s.send(game.ClientMessage{
		Type:   "closeRoom",
		RoomID: s.roomID,
		HostID: s.playerID,
	})
}
