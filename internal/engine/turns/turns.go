// Package turns is a minimal turn-rotation game engine. It tracks whose turn
// it is and nothing else; real game rules plug in behind the same interface.
package turns

import (
	"errors"
	"fmt"
	"sync"

	"github.com/AustejaJak/tincisnotcatan/internal/group"
	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
)

// Request types understood by the engine.
const (
	TypeEndTurn = "endTurn"
)

var (
	// ErrStarted is returned when admitting after the game started.
	ErrStarted = errors.New("game already started")
	// ErrNotStarted is returned for turn actions before the game starts.
	ErrNotStarted = errors.New("game has not started")
	// ErrFinished is returned for any action after the game ends.
	ErrFinished = errors.New("game is over")
	// ErrNotYourTurn is returned when a player acts out of turn.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrUnknownRequest is returned for unsupported request types.
	ErrUnknownRequest = errors.New("unknown request type")
)

// Settings tune the engine.
type Settings struct {
	// MaxTurns ends the game after this many turns. Zero means unlimited.
	MaxTurns int
	// EndType is the request type that ends the game. Defaults to gameOver.
	EndType string
}

// Player is one seated participant.
type Player struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Snapshot is the per-player view of the game.
type Snapshot struct {
	You      int      `json:"you"`
	Players  []Player `json:"players"`
	Current  int      `json:"currentPlayer"`
	Turn     int      `json:"turn"`
	Started  bool     `json:"started"`
	Finished bool     `json:"finished"`
	EndedBy  int      `json:"endedBy,omitempty"`
}

// Engine implements group.Engine and group.Finisher.
type Engine struct {
	settings Settings

	mu       sync.Mutex
	players  []Player
	current  int
	turn     int
	started  bool
	finished bool
	endedBy  int
}

// New creates an engine with no players.
func New(settings Settings) *Engine {
	if settings.EndType == "" {
		settings.EndType = protocol.TypeGameOver
	}
	return &Engine{settings: settings}
}

// NewFromSettings builds an engine from a free-form settings map.
// Recognised keys: max_turns (int) and group.EscapeHatchSetting (string).
//
// Postcondition: Returns an error when the end type collides with a request
// the engine already answers.
func NewFromSettings(settings map[string]any) (group.Engine, error) {
	var s Settings
	if v, ok := settings["max_turns"]; ok {
		n, ok := v.(int)
		if !ok || n < 0 {
			return nil, fmt.Errorf("max_turns must be a non-negative integer, got %v", v)
		}
		s.MaxTurns = n
	}
	if v, ok := settings[group.EscapeHatchSetting]; ok {
		typ, ok := v.(string)
		if !ok || typ == "" {
			return nil, fmt.Errorf("%s must be a non-empty string, got %v", group.EscapeHatchSetting, v)
		}
		if typ == TypeEndTurn || typ == protocol.TypeGetGameState {
			return nil, fmt.Errorf("%s %q is already a game request", group.EscapeHatchSetting, typ)
		}
		s.EndType = typ
	}
	return New(s), nil
}

// Admit seats a new player. fields["name"] sets the display name.
func (e *Engine) Admit(fields map[string]any) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return 0, ErrStarted
	}
	id := len(e.players) + 1
	name, _ := fields["name"].(string)
	if name == "" {
		name = fmt.Sprintf("Player %d", id)
	}
	e.players = append(e.players, Player{ID: id, Name: name})
	return id, nil
}

// SnapshotFor returns playerID's view of the game.
func (e *Engine) SnapshotFor(playerID int) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(playerID)
}

func (e *Engine) snapshot(playerID int) Snapshot {
	s := Snapshot{
		You:      playerID,
		Players:  append([]Player(nil), e.players...),
		Turn:     e.turn,
		Started:  e.started,
		Finished: e.finished,
		EndedBy:  e.endedBy,
	}
	if e.started && len(e.players) > 0 {
		s.Current = e.players[e.current].ID
	}
	return s
}

// Start begins rotation with the first admitted player.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.current = 0
	e.turn = 1
}

// Handle applies one request.
func (e *Engine) Handle(playerID int, msg protocol.Envelope) (map[int]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Type == e.settings.EndType {
		return e.end(playerID)
	}
	switch msg.Type {
	case protocol.TypeGetGameState:
		return map[int]any{playerID: protocol.GameStateMessage(e.snapshot(playerID))}, nil
	case TypeEndTurn:
		if err := e.endTurn(playerID); err != nil {
			return nil, err
		}
		return e.stateForAll(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, msg.Type)
	}
}

// end finishes the game on the escape hatch request.
func (e *Engine) end(playerID int) (map[int]any, error) {
	if e.finished {
		return nil, ErrFinished
	}
	e.finished = true
	e.endedBy = playerID
	return map[int]any{
		group.Broadcast: protocol.New(e.settings.EndType, map[string]any{"endedBy": playerID}),
	}, nil
}

func (e *Engine) endTurn(playerID int) error {
	switch {
	case e.finished:
		return ErrFinished
	case !e.started:
		return ErrNotStarted
	case e.players[e.current].ID != playerID:
		return ErrNotYourTurn
	}
	e.current = (e.current + 1) % len(e.players)
	e.turn++
	if e.settings.MaxTurns > 0 && e.turn > e.settings.MaxTurns {
		e.finished = true
	}
	return nil
}

func (e *Engine) stateForAll() map[int]any {
	out := make(map[int]any, len(e.players))
	for _, p := range e.players {
		out[p.ID] = protocol.GameStateMessage(e.snapshot(p.ID))
	}
	return out
}

// Finished reports whether the game has ended.
func (e *Engine) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}
