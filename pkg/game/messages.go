package game

// Messages coming from clients
type ClientMessage struct {
	Type       string `json:"type"`                 // "joinRoom", "joinGame", "removePlayer", "startGuessing", "submitGuess", "revealAnswer", "resetGame", "updateTitle", "updatePhrase", "closeRoom"
	RoomID     string `json:"roomId,omitempty"`     // all commands; must match the room the connection is bound to
	PlayerID   string `json:"playerId,omitempty"`   // joinRoom / joinGame / submitGuess, and the removal target for removePlayer
	HostID     string `json:"hostId,omitempty"`     // claimed sender id on host-only commands
	PlayerName string `json:"playerName,omitempty"` // joinGame
	Guess      *int   `json:"guess,omitempty"`      // submitGuess
	Answer     *int   `json:"answer,omitempty"`     // revealAnswer
	Title      string `json:"title,omitempty"`      // updateTitle
	Phrase     string `json:"phrase,omitempty"`     // updatePhrase
}

// RoomJoinedMessage is sent only to the joining connection, in reply to
// "joinRoom".
type RoomJoinedMessage struct {
	Type   string `json:"type"` // "roomJoined"
	Room   *Room  `json:"room"`
	IsHost bool   `json:"isHost"`
}

// GameUpdateMessage carries the full room snapshot, broadcast to every
// subscriber after each accepted mutation. Clients replace their cached
// state wholesale; there are no incremental diffs.
type GameUpdateMessage struct {
	Type string `json:"type"` // "gameUpdate"
	Room *Room  `json:"room"`
}

// RoomClosedMessage is broadcast in place of a snapshot when the host closes
// a room. It is terminal for that room id.
type RoomClosedMessage struct {
	Type   string `json:"type"` // "roomClosed"
	RoomID string `json:"roomId"`
}
