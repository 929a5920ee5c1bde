// Package lobby assigns identities to groups and tracks group lifecycle.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/AustejaJak/tincisnotcatan/internal/group"
	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
	"github.com/AustejaJak/tincisnotcatan/internal/session"
)

// PresetField is the identity field naming the preset a player asked for.
const PresetField = "preset"

const recordTimeout = 5 * time.Second

// ErrNoGroup is returned when forwarding for an identity outside any group.
var ErrNoGroup = errors.New("identity is not in a group")

// EngineFactory builds a fresh engine for a new group.
type EngineFactory func(settings map[string]any) (group.Engine, error)

// Outcome summarises a group once it closes.
type Outcome struct {
	GroupID   string    `json:"group_id"`
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	Members   int       `json:"members"`
	Reason    string    `json:"reason"`
	Started   bool      `json:"started"`
	CreatedAt time.Time `json:"created_at"`
	ClosedAt  time.Time `json:"closed_at"`
}

// OutcomeRecorder persists closed-group outcomes.
type OutcomeRecorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Stats counts group lifecycle events since startup.
type Stats struct {
	Open      int   `json:"open"`
	Started   int64 `json:"started"`
	Finished  int64 `json:"finished"`
	Abandoned int64 `json:"abandoned"`
}

// Config configures a Lobby.
type Config struct {
	Registry          *session.Registry
	Default           Preset
	Presets           []Preset
	DisconnectTimeout time.Duration
	HistorySize       int
	EscapeHatchType   string
	Engines           EngineFactory
	// Handlers returns the handler chain for a new group.
	Handlers func() []group.Handler
	// Recorder is optional.
	Recorder OutcomeRecorder
	// OnInvalidate is called for each token invalidated at group teardown.
	OnInvalidate func(token string)
	Logger       *zap.Logger
}

type entry struct {
	group     *group.Group
	preset    string
	createdAt time.Time
}

// Lobby places identities into groups. Groups with the same preset fill in
// creation order; a new group is created when none is admitting.
//
// Lock order is Lobby.mu before any Group lock. Group callbacks run after the
// group lock is released, so they may take Lobby.mu.
type Lobby struct {
	cfg     Config
	logger  *zap.Logger
	presets map[string]Preset

	// placing serializes new placements so concurrent joiners fill the
	// same group instead of each creating one.
	placing sync.Mutex

	mu      sync.Mutex
	groups  map[string]*entry
	seq     int
	entropy *ulid.MonotonicEntropy
	closed  bool

	started   atomic.Int64
	finished  atomic.Int64
	abandoned atomic.Int64
	recording sync.WaitGroup
}

// New builds a Lobby.
//
// Precondition: cfg.Registry and cfg.Engines must be non-nil; cfg.Default must be valid.
func New(cfg Config) (*Lobby, error) {
	if cfg.Registry == nil || cfg.Engines == nil {
		return nil, errors.New("lobby: registry and engine factory are required")
	}
	if err := cfg.Default.Validate(); err != nil {
		return nil, fmt.Errorf("default preset: %w", err)
	}
	if cfg.Handlers == nil {
		cfg.Handlers = group.DefaultHandlers
	}
	if cfg.EscapeHatchType == "" {
		cfg.EscapeHatchType = group.DefaultEscapeHatchType
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	presets := lo.SliceToMap(cfg.Presets, func(p Preset) (string, Preset) { return p.Name, p })
	presets[cfg.Default.Name] = cfg.Default
	for _, p := range presets {
		if _, err := cfg.Engines(engineSettings(p, cfg.EscapeHatchType)); err != nil {
			return nil, fmt.Errorf("preset %q: %w", p.Name, err)
		}
	}
	return &Lobby{
		cfg:     cfg,
		logger:  logger,
		presets: presets,
		groups:  make(map[string]*entry),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Join places id into a group. An identity that already belongs to a group
// rejoins it, which resumes an away member.
func (l *Lobby) Join(id *session.Identity) error {
	if g := l.owner(id); g != nil {
		return g.Add(id)
	}
	preset := l.presetFor(id)

	l.placing.Lock()
	defer l.placing.Unlock()
	for _, g := range l.admitting(preset.Name) {
		err := g.Add(id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, group.ErrFull) && !errors.Is(err, group.ErrClosed) {
			return err
		}
	}

	g, err := l.create(preset)
	if err != nil {
		return err
	}
	return g.Add(id)
}

// Message forwards msg to id's group.
func (l *Lobby) Message(id *session.Identity, msg protocol.Envelope) error {
	g := l.owner(id)
	if g == nil {
		return ErrNoGroup
	}
	_, err := g.HandleMessage(id, msg)
	return err
}

// Leave marks id away in its group. Identities outside any group are ignored.
func (l *Lobby) Leave(id *session.Identity) error {
	g := l.owner(id)
	if g == nil {
		return nil
	}
	return g.Remove(id)
}

// Stats returns lifecycle counters.
func (l *Lobby) Stats() Stats {
	l.mu.Lock()
	open := len(l.groups)
	l.mu.Unlock()
	return Stats{
		Open:      open,
		Started:   l.started.Load(),
		Finished:  l.finished.Load(),
		Abandoned: l.abandoned.Load(),
	}
}

// Groups returns summaries of every open group in creation order.
func (l *Lobby) Groups() []group.Summary {
	return lo.Map(l.snapshot(), func(e *entry, _ int) group.Summary { return e.group.Summary() })
}

// Close shuts every open group down and waits for pending outcome records.
func (l *Lobby) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	for _, e := range l.snapshot() {
		_ = e.group.Close(group.ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		l.recording.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lobby) owner(id *session.Identity) *group.Group {
	gid := id.GroupID()
	if gid == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.groups[gid]
	if !ok {
		return nil
	}
	return e.group
}

func (l *Lobby) presetFor(id *session.Identity) Preset {
	if v, ok := id.Field(PresetField); ok {
		if name, ok := v.(string); ok {
			if p, ok := l.presets[name]; ok {
				return p
			}
		}
	}
	return l.cfg.Default
}

// snapshot returns open entries sorted by group ID, which sorts by creation time.
func (l *Lobby) snapshot() []*entry {
	l.mu.Lock()
	entries := lo.Values(l.groups)
	l.mu.Unlock()
	slices.SortFunc(entries, func(a, b *entry) int {
		return strings.Compare(a.group.ID(), b.group.ID())
	})
	return entries
}

func (l *Lobby) admitting(preset string) []*group.Group {
	entries := lo.Filter(l.snapshot(), func(e *entry, _ int) bool {
		return e.preset == preset && e.group.Status() == group.StatusAdmitting
	})
	return lo.Map(entries, func(e *entry, _ int) *group.Group { return e.group })
}

func (l *Lobby) create(p Preset) (*group.Group, error) {
	engine, err := l.cfg.Engines(engineSettings(p, l.cfg.EscapeHatchType))
	if err != nil {
		return nil, fmt.Errorf("building engine for preset %q: %w", p.Name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, group.ErrClosed
	}
	l.seq++
	id := ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy).String()
	g, err := group.New(group.Config{
		ID:                id,
		Name:              fmt.Sprintf("%s #%d", p.Name, l.seq),
		Capacity:          p.Size,
		DisconnectTimeout: l.cfg.DisconnectTimeout,
		HistorySize:       l.cfg.HistorySize,
		EscapeHatchType:   l.cfg.EscapeHatchType,
		Handlers:          l.cfg.Handlers(),
		Engine:            engine,
		Logger:            l.logger.Named("group"),
		OnStart:           l.onStart,
		OnTeardown:        l.onTeardown,
	})
	if err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}
	l.groups[id] = &entry{group: g, preset: p.Name, createdAt: time.Now()}
	l.logger.Info("group created",
		zap.String("group", id),
		zap.String("preset", p.Name),
		zap.Int("capacity", p.Size),
	)
	return g, nil
}

// engineSettings returns p's settings with the escape hatch type added.
func engineSettings(p Preset, escape string) map[string]any {
	out := maps.Clone(p.Settings)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out[group.EscapeHatchSetting] = escape
	return out
}

func (l *Lobby) onStart(g *group.Group) {
	l.started.Add(1)
	l.logger.Info("group started", zap.String("group", g.ID()))
}

func (l *Lobby) onTeardown(g *group.Group, td group.Teardown) {
	l.mu.Lock()
	e, ok := l.groups[g.ID()]
	delete(l.groups, g.ID())
	l.mu.Unlock()

	switch td.Reason {
	case group.ReasonCompleted:
		l.finished.Add(1)
	case group.ReasonExpired:
		l.abandoned.Add(1)
	}

	for _, id := range td.Members {
		l.cfg.Registry.Invalidate(id.Token())
		if l.cfg.OnInvalidate != nil {
			l.cfg.OnInvalidate(id.Token())
		}
	}
	l.logger.Info("group torn down",
		zap.String("group", g.ID()),
		zap.String("reason", string(td.Reason)),
		zap.Int("members", len(td.Members)),
	)

	if l.cfg.Recorder == nil || !ok {
		return
	}
	outcome := Outcome{
		GroupID:   g.ID(),
		Name:      g.Name(),
		Capacity:  g.Capacity(),
		Members:   len(td.Members),
		Reason:    string(td.Reason),
		Started:   td.Started,
		CreatedAt: e.createdAt,
		ClosedAt:  td.At,
	}
	l.recording.Add(1)
	go func() {
		defer l.recording.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := l.cfg.Recorder.Record(ctx, outcome); err != nil {
			l.logger.Warn("recording outcome", zap.String("group", outcome.GroupID), zap.Error(err))
		}
	}()
}
