// Package game holds the room model, the in-memory room store, and the
// state machine for the phrase-counting game. All mutation methods are
// synchronous and silently refuse anything the current state or the caller's
// identity does not permit; callers learn the outcome from the returned bool.
package game

import (
	"sync"
	"time"
)

// Room states. Rooms move waiting -> guessing -> finished, and a host reset
// returns them to waiting.
const (
	StateWaiting  = "waiting"
	StateGuessing = "guessing"
	StateFinished = "finished"
)

// DefaultTitle is used for rooms created without an explicit title.
const DefaultTitle = "Toxic Coworker Phrase Counter"

// Player is one roster entry. Guess and Difference are pointers so that a
// missing value serializes as null rather than zero; a guess of 0 is valid.
type Player struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Guess      *int   `json:"guess"`
	Difference *int   `json:"difference"`
	JoinedAt   int64  `json:"joinedAt"`
}

// Room is the full server-side state of one game session. It is what gets
// broadcast to every subscriber after each accepted mutation.
//
// Rooms carry no lock of their own: the per-room hub serializes all access.
type Room struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Phrase        *string  `json:"phrase"`
	State         string   `json:"state"`
	Players       []Player `json:"players"`
	CorrectAnswer *int     `json:"correctAnswer"`
	Winner        *Player  `json:"winner"`
	Host          string   `json:"host"`
	LastUpdated   int64    `json:"lastUpdated"`
}

func now() int64 {
	return time.Now().UnixMilli()
}

func (r *Room) touch() {
	r.LastUpdated = now()
}

// IsHost reports whether callerID is this room's host. A room with no host
// yet has no privileged caller.
func (r *Room) IsHost(callerID string) bool {
	return r.Host != "" && callerID == r.Host
}

func (r *Room) findPlayer(playerID string) *Player {
	for i := range r.Players {
		if r.Players[i].ID == playerID {
			return &r.Players[i]
		}
	}
	return nil
}

// AssignHostIfAbsent makes playerID the host if the room has none yet.
// First joiner wins; the host is never reassigned for the life of the room.
func (r *Room) AssignHostIfAbsent(playerID string) bool {
	if r.Host != "" || playerID == "" {
		return false
	}
	r.Host = playerID
	return true
}

// AddPlayer appends a new roster entry. Joining is only possible while the
// room is waiting, and a second join with the same id is ignored.
func (r *Room) AddPlayer(playerID, name string) bool {
	if r.State != StateWaiting || playerID == "" {
		return false
	}
	if r.findPlayer(playerID) != nil {
		return false
	}

	r.Players = append(r.Players, Player{
		ID:       playerID,
		Name:     name,
		JoinedAt: now(),
	})
	r.touch()
	return true
}

// RemovePlayer drops targetID from the roster. Host only.
func (r *Room) RemovePlayer(callerID, targetID string) bool {
	if !r.IsHost(callerID) {
		return false
	}

	dst := r.Players[:0]
	removed := false
	for _, p := range r.Players {
		if p.ID == targetID {
			removed = true
			continue
		}
		dst = append(dst, p)
	}
	r.Players = dst

	if removed {
		r.touch()
	}
	return removed
}

// StartGuessing opens the guessing phase. Host only, and only once at least
// one player has joined.
func (r *Room) StartGuessing(callerID string) bool {
	if !r.IsHost(callerID) || len(r.Players) == 0 {
		return false
	}
	r.State = StateGuessing
	r.touch()
	return true
}

// SetGuess records a player's guess. Guesses may be overwritten any number
// of times while the room is guessing; an unknown player id is ignored.
func (r *Room) SetGuess(playerID string, guess int) bool {
	if r.State != StateGuessing {
		return false
	}
	p := r.findPlayer(playerID)
	if p == nil {
		return false
	}

	g := guess
	p.Guess = &g
	r.touch()
	return true
}

// Reveal sets the true answer, computes each guesser's distance from it, and
// picks the winner: the minimal difference, ties broken by join order. Host
// only. Players who never guessed keep a null difference and cannot win.
func (r *Room) Reveal(callerID string, answer int) bool {
	if !r.IsHost(callerID) {
		return false
	}

	a := answer
	r.CorrectAnswer = &a
	r.State = StateFinished

	var best *Player
	for i := range r.Players {
		p := &r.Players[i]
		if p.Guess == nil {
			continue
		}

		d := *p.Guess - answer
		if d < 0 {
			d = -d
		}
		p.Difference = &d

		// Strictly smaller keeps the earliest candidate on ties.
		if best == nil || d < *best.Difference {
			best = p
		}
	}

	if best == nil {
		r.Winner = nil
	} else {
		w := *best
		r.Winner = &w
	}

	r.touch()
	return true
}

// Reset returns the room to a fresh waiting state, keeping title, phrase,
// and host. Host only.
func (r *Room) Reset(callerID string) bool {
	if !r.IsHost(callerID) {
		return false
	}
	r.State = StateWaiting
	r.Players = []Player{}
	r.CorrectAnswer = nil
	r.Winner = nil
	r.touch()
	return true
}

// SetTitle updates the room's display title. Host only.
func (r *Room) SetTitle(callerID, title string) bool {
	if !r.IsHost(callerID) {
		return false
	}
	r.Title = title
	r.touch()
	return true
}

// SetPhrase updates the target phrase being counted. Host only. A room
// starts with no phrase, serialized as null.
func (r *Room) SetPhrase(callerID, phrase string) bool {
	if !r.IsHost(callerID) {
		return false
	}
	r.Phrase = &phrase
	r.touch()
	return true
}

// Snapshot returns a copy safe to marshal outside the hub loop. The roster
// slice and winner are copied; the value pointers they carry are replaced,
// never mutated in place, so sharing them is fine.
func (r *Room) Snapshot() *Room {
	s := *r
	s.Players = make([]Player, len(r.Players))
	copy(s.Players, r.Players)
	if r.Winner != nil {
		w := *r.Winner
		s.Winner = &w
	}
	return &s
}

// Store is the process-wide room registry. Nothing is persisted; every room
// lives exactly as long as the process, or until its host closes it.
type Store struct {
	mu           sync.RWMutex
	defaultTitle string
	rooms        map[string]*Room
}

func NewStore(defaultTitle string) *Store {
	if defaultTitle == "" {
		defaultTitle = DefaultTitle
	}
	return &Store{
		defaultTitle: defaultTitle,
		rooms:        make(map[string]*Room),
	}
}

// Ensure returns the room for id, creating it with defaults on first
// reference. A freshly created room has no host until someone joins.
func (s *Store) Ensure(id string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.rooms[id]; ok {
		return room
	}

	room := &Room{
		ID:          id,
		Title:       s.defaultTitle,
		State:       StateWaiting,
		Players:     []Player{},
		LastUpdated: now(),
	}
	s.rooms[id] = room
	return room
}

// Get returns the room for id, or nil if it was never created or has been
// closed.
func (s *Store) Get(id string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rooms[id]
}

// Delete removes a room entirely. A subsequent Ensure with the same id
// starts over from defaults.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, id)
}
