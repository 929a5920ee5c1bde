package group

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
	"github.com/AustejaJak/tincisnotcatan/internal/session"
)

// DefaultEscapeHatchType is the one message type dispatched while a group is
// not fully connected.
const DefaultEscapeHatchType = protocol.TypeGameOver

// EscapeHatchSetting is the engine settings key that carries the group's
// escape hatch type, so the engine ends the game on the same message the
// group lets through while degraded.
const EscapeHatchSetting = "escape_hatch_type"

var (
	// ErrClosed is returned by every operation on a torn-down group.
	ErrClosed = errors.New("group is closed")
	// ErrNotReady is returned when a message arrives while a member is away
	// or before the group has filled.
	ErrNotReady = errors.New("group is not fully connected")
	// ErrNoHandler is returned when no handler matches a message.
	ErrNoHandler = errors.New("no handler matches message")
	// ErrRejected is returned alongside a Result whose OK is false.
	ErrRejected = errors.New("request rejected")
	// ErrOtherGroup is returned when admitting an identity owned by another group.
	ErrOtherGroup = errors.New("identity belongs to another group")
)

// Status is the group-level state derived from its membership.
type Status int

const (
	// StatusAdmitting means fewer members than capacity.
	StatusAdmitting Status = iota
	// StatusFullConnected means at capacity with every member connected.
	StatusFullConnected
	// StatusFullDegraded means at capacity with at least one member away.
	StatusFullDegraded
	// StatusClosed means the group was torn down.
	StatusClosed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusAdmitting:
		return "ADMITTING"
	case StatusFullConnected:
		return "FULL_CONNECTED"
	case StatusFullDegraded:
		return "FULL_DEGRADED"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Reason says why a group was torn down.
type Reason string

const (
	// ReasonExpired means an away member's grace period elapsed.
	ReasonExpired Reason = "expired"
	// ReasonCompleted means the engine reported the game finished.
	ReasonCompleted Reason = "completed"
	// ReasonShutdown means the process is stopping.
	ReasonShutdown Reason = "shutdown"
)

// Teardown describes a group at the moment it closed.
type Teardown struct {
	Reason  Reason
	Members []*session.Identity
	Started bool
	At      time.Time
}

// Config configures a Group.
type Config struct {
	ID                string
	Name              string
	Capacity          int
	DisconnectTimeout time.Duration
	HistorySize       int
	// EscapeHatchType defaults to DefaultEscapeHatchType.
	EscapeHatchType string
	// Handlers are consulted in order; the first match wins.
	Handlers []Handler
	Engine   Engine
	Logger   *zap.Logger
	// OnStart runs once, outside the group lock, after the engine starts.
	OnStart func(g *Group)
	// OnTeardown runs once, outside the group lock, after the group closes.
	OnTeardown func(g *Group, td Teardown)
}

// Summary is a point-in-time description of a Group.
type Summary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Size     int    `json:"size"`
	Status   string `json:"status"`
	Started  bool   `json:"started"`
}

// Group is one game session: a bounded membership bound to a single Engine.
//
// Every operation that reads or mutates membership, the engine, or history
// holds mu. mu is not reentrant: handlers, the engine, and the OnStart and
// OnTeardown callbacks must never call back into the same Group while it is
// held. Callbacks are invoked only after mu is released.
type Group struct {
	id         string
	name       string
	timeout    time.Duration
	escape     string
	handlers   []Handler
	engine     Engine
	logger     *zap.Logger
	onStart    func(*Group)
	onTeardown func(*Group, Teardown)

	mu       sync.Mutex
	members  *Membership
	history  *History
	watchers map[*session.Identity]*ExpiryWatcher
	started  bool
	closed   bool
}

// New builds a Group from cfg.
//
// Precondition: cfg.Capacity >= 1; cfg.DisconnectTimeout > 0; cfg.Engine non-nil;
// handler names unique.
// Postcondition: Returns a group in StatusAdmitting or a non-nil error.
func New(cfg Config) (*Group, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1, got %d", cfg.Capacity)
	}
	if cfg.DisconnectTimeout <= 0 {
		return nil, fmt.Errorf("disconnect timeout must be > 0, got %s", cfg.DisconnectTimeout)
	}
	if cfg.Engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	if err := validateHandlers(cfg.Handlers); err != nil {
		return nil, fmt.Errorf("validating handlers: %w", err)
	}
	escape := cfg.EscapeHatchType
	if escape == "" {
		escape = DefaultEscapeHatchType
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		id:         cfg.ID,
		name:       cfg.Name,
		timeout:    cfg.DisconnectTimeout,
		escape:     escape,
		handlers:   append([]Handler(nil), cfg.Handlers...),
		engine:     cfg.Engine,
		logger:     logger.With(zap.String("group", cfg.ID)),
		onStart:    cfg.OnStart,
		onTeardown: cfg.OnTeardown,
		members:    NewMembership(cfg.Capacity),
		history:    NewHistory(cfg.HistorySize),
		watchers:   make(map[*session.Identity]*ExpiryWatcher),
	}, nil
}

// ID returns the group identifier.
func (g *Group) ID() string { return g.id }

// Name returns the display name.
func (g *Group) Name() string { return g.name }

// Capacity returns the configured capacity.
func (g *Group) Capacity() int { return g.members.Capacity() }

// Status returns the current derived status.
func (g *Group) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status()
}

func (g *Group) status() Status {
	switch {
	case g.closed:
		return StatusClosed
	case !g.members.IsFull():
		return StatusAdmitting
	case g.members.AllConnected():
		return StatusFullConnected
	default:
		return StatusFullDegraded
	}
}

// Size returns the number of members, away ones included.
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members.Size()
}

// Contains reports whether id is a member.
func (g *Group) Contains(id *session.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members.Contains(id)
}

// MemberState returns id's connectivity and, when away, its deadline.
func (g *Group) MemberState(id *session.Identity) (State, time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members.State(id)
}

// History returns the retained dispatch log oldest first.
func (g *Group) History() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.history.Entries()
}

// Summary returns a snapshot of the group's public state.
func (g *Group) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Summary{
		ID:       g.id,
		Name:     g.name,
		Capacity: g.members.Capacity(),
		Size:     g.members.Size(),
		Status:   g.status().String(),
		Started:  g.started,
	}
}

// Add admits id, or resumes it if it is an away member.
//
// An away member is reconnected: its watcher is cancelled and, if that
// leaves the group fully connected, every member is told the game can
// resume. A connected member only receives its snapshot again. Otherwise id is admitted through
// the engine, every member receives its state snapshot, and the engine is
// started when the group fills.
//
// Postcondition: Returns ErrFull, ErrClosed, or ErrOtherGroup with
// membership unchanged, or nil.
func (g *Group) Add(id *session.Identity) error {
	startedNow, err := g.add(id)
	if err != nil {
		return err
	}
	if startedNow && g.onStart != nil {
		g.onStart(g)
	}
	return nil
}

func (g *Group) add(id *session.Identity) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false, ErrClosed
	}
	if g.members.IsAway(id) {
		g.reconnect(id)
		return false, nil
	}
	if g.members.Contains(id) {
		// A fresh transport took over before the old one's close was seen.
		if playerID, ok := id.PlayerID(); ok {
			id.Send(protocol.GameStateMessage(g.engine.SnapshotFor(playerID)))
		}
		return false, nil
	}
	if owner := id.GroupID(); owner != "" && owner != g.id {
		return false, ErrOtherGroup
	}
	if g.members.IsFull() {
		return false, ErrFull
	}

	playerID, err := g.engine.Admit(id.Fields())
	if err != nil {
		return false, fmt.Errorf("admitting %s: %w", id.Token(), err)
	}
	if err := g.members.Add(id, playerID); err != nil {
		return false, err
	}
	id.Admit(g.id, playerID)
	g.logger.Info("member admitted",
		zap.String("token", id.Token()),
		zap.Int("player", playerID),
		zap.Int("size", g.members.Size()),
	)
	g.broadcastSnapshots()

	if g.members.IsFull() && !g.started {
		g.started = true
		g.engine.Start()
		g.logger.Info("group started", zap.Int("capacity", g.members.Capacity()))
		g.broadcastSnapshots()
		return true, nil
	}
	return false, nil
}

// reconnect clears id's away state.
//
// Precondition: g.mu is held; id is an away member.
func (g *Group) reconnect(id *session.Identity) {
	if w, ok := g.watchers[id]; ok {
		w.Stop()
		delete(g.watchers, id)
	}
	_ = g.members.MarkConnected(id)
	g.logger.Info("member reconnected", zap.String("token", id.Token()))

	if playerID, ok := id.PlayerID(); ok {
		id.Send(protocol.GameStateMessage(g.engine.SnapshotFor(playerID)))
	}
	if g.status() == StatusFullConnected {
		g.sendAll(g.members.Members(), protocol.GameReadyMessage())
	}
}

// Remove marks id away and starts its grace period. Non-members and members
// already away are a no-op.
//
// Postcondition: While the group is fully occupied with at least one away
// member, connected members receive the current away map.
func (g *Group) Remove(id *session.Identity) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if !g.members.Contains(id) || g.members.IsAway(id) {
		return nil
	}

	now := time.Now()
	deadline := now.Add(g.timeout)
	if err := g.members.MarkAway(id, now, deadline); err != nil {
		return err
	}
	g.watchers[id] = NewExpiryWatcher(deadline, func() { g.expire(id, deadline) })
	g.logger.Info("member away",
		zap.String("token", id.Token()),
		zap.Time("deadline", deadline),
	)

	if g.status() == StatusFullDegraded {
		g.sendAll(g.members.Connected(), protocol.DisconnectedUsersMessage(g.members.AwayMap()))
	}
	return nil
}

// HandleMessage dispatches msg from id through the handler chain.
//
// Postcondition: Returns ErrClosed, ErrNotMember, ErrNotReady, or ErrNoHandler
// without running any handler. A refused request returns its Result together
// with ErrRejected. Only successful runs are appended to the history log.
func (g *Group) HandleMessage(id *session.Identity, msg protocol.Envelope) (Result, error) {
	res, td, err := g.handle(id, msg)
	if td != nil {
		g.notifyTeardown(*td)
	}
	return res, err
}

func (g *Group) handle(id *session.Identity, msg protocol.Envelope) (Result, *Teardown, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return Result{}, nil, ErrClosed
	}
	if !g.members.Contains(id) {
		return Result{}, nil, ErrNotMember
	}
	playerID, _ := id.PlayerID()

	status := g.status()
	if status != StatusFullConnected && msg.Type != g.escape {
		if status == StatusFullDegraded {
			g.sendAll(g.members.Connected(), protocol.DisconnectedUsersMessage(g.members.AwayMap()))
		}
		g.logger.Debug("message gated",
			zap.String("type", msg.Type),
			zap.Stringer("status", status),
		)
		return Result{}, nil, ErrNotReady
	}

	var handler Handler
	for _, h := range g.handlers {
		if h.Matches(msg) {
			handler = h
			break
		}
	}
	if handler == nil {
		return Result{}, nil, fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}

	res, err := handler.Run(Request{
		Identity: id,
		PlayerID: playerID,
		Message:  msg,
		Engine:   g.engine,
		Group:    g.view(),
	})
	if err != nil {
		g.logger.Warn("handler failed",
			zap.String("handler", handler.Name()),
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		return Result{}, nil, fmt.Errorf("handler %s: %w", handler.Name(), err)
	}

	g.deliver(res.Responses)
	if !res.OK {
		return res, nil, ErrRejected
	}
	g.history.Append(Entry{At: time.Now(), PlayerID: playerID, Handler: handler.Name(), Message: msg})

	if f, ok := g.engine.(Finisher); ok && f.Finished() {
		td := g.teardown(ReasonCompleted)
		return res, &td, nil
	}
	return res, nil, nil
}

// Close tears the group down for reason.
//
// Postcondition: Returns ErrClosed if already torn down; otherwise every
// watcher is stopped, membership is empty, and OnTeardown has run.
func (g *Group) Close(reason Reason) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	td := g.teardown(reason)
	g.mu.Unlock()
	g.notifyTeardown(td)
	return nil
}

// expire runs when id's grace period elapses. Stale firings, where the
// member reconnected or was re-marked away with a later deadline, are ignored.
func (g *Group) expire(id *session.Identity, deadline time.Time) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	state, current, ok := g.members.State(id)
	if !ok || state != StateAway || !current.Equal(deadline) || !g.members.Expired(id, time.Now()) {
		g.mu.Unlock()
		return
	}
	delete(g.watchers, id)
	g.logger.Info("away deadline elapsed", zap.String("token", id.Token()))
	g.sendAll(g.members.Connected(), protocol.GameOverDisconnectedMessage())
	td := g.teardown(ReasonExpired)
	g.mu.Unlock()
	g.notifyTeardown(td)
}

// teardown moves the group to its terminal state.
//
// Precondition: g.mu is held and the group is open.
func (g *Group) teardown(reason Reason) Teardown {
	for id, w := range g.watchers {
		w.Stop()
		delete(g.watchers, id)
	}
	members := g.members.Members()
	for _, id := range members {
		if id.GroupID() == g.id {
			id.Release()
		}
	}
	g.members.Clear()
	g.closed = true
	g.logger.Info("group closed",
		zap.String("reason", string(reason)),
		zap.Int("members", len(members)),
	)
	return Teardown{Reason: reason, Members: members, Started: g.started, At: time.Now()}
}

func (g *Group) notifyTeardown(td Teardown) {
	if g.onTeardown != nil {
		g.onTeardown(g, td)
	}
}

// view captures a handler-facing snapshot.
//
// Precondition: g.mu is held.
func (g *Group) view() View {
	return View{
		ID:        g.id,
		Name:      g.name,
		Capacity:  g.members.Capacity(),
		PlayerIDs: g.members.PlayerIDs(),
		History:   g.history.Entries(),
	}
}

// broadcastSnapshots sends each member its own engine snapshot.
//
// Precondition: g.mu is held.
func (g *Group) broadcastSnapshots() {
	for _, id := range g.members.Members() {
		playerID, ok := id.PlayerID()
		if !ok {
			continue
		}
		id.Send(protocol.GameStateMessage(g.engine.SnapshotFor(playerID)))
	}
}

// deliver routes per-recipient payloads. Broadcast addresses every
// connected member; unknown recipients are logged and skipped.
//
// Precondition: g.mu is held.
func (g *Group) deliver(responses map[int]any) {
	for playerID, payload := range responses {
		if playerID == Broadcast {
			g.sendAll(g.members.Connected(), payload)
			continue
		}
		id, ok := g.members.ByPlayerID(playerID)
		if !ok {
			g.logger.Warn("response for unknown player", zap.Int("player", playerID))
			continue
		}
		id.Send(payload)
	}
}

func (g *Group) sendAll(ids []*session.Identity, msg any) {
	for _, id := range ids {
		id.Send(msg)
	}
}
