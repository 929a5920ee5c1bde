package group_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/AustejaJak/tincisnotcatan/internal/group"
	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
	"github.com/AustejaJak/tincisnotcatan/internal/session"
	"github.com/AustejaJak/tincisnotcatan/internal/session/sessiontest"
)

// fakeEngine assigns sequential player ids and acknowledges every request.
type fakeEngine struct {
	mu        sync.Mutex
	next      int
	admitted  []map[string]any
	starts    atomic.Int32
	finished  atomic.Bool
	handleErr error
}

func (e *fakeEngine) Admit(fields map[string]any) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.admitted = append(e.admitted, fields)
	return e.next, nil
}

func (e *fakeEngine) SnapshotFor(playerID int) any {
	return map[string]any{"player": playerID, "started": e.starts.Load() > 0}
}

func (e *fakeEngine) Start() { e.starts.Add(1) }

func (e *fakeEngine) Handle(playerID int, msg protocol.Envelope) (map[int]any, error) {
	if e.handleErr != nil {
		return nil, e.handleErr
	}
	if msg.Type == protocol.TypeGameOver {
		e.finished.Store(true)
	}
	return map[int]any{group.Broadcast: protocol.New("ack", map[string]any{"from": playerID})}, nil
}

func (e *fakeEngine) Finished() bool { return e.finished.Load() }

type harness struct {
	t         *testing.T
	engine    *fakeEngine
	group     *group.Group
	started   atomic.Int32
	teardowns chan group.Teardown
}

func newHarness(t *testing.T, capacity int, timeout time.Duration, handlers ...group.Handler) *harness {
	t.Helper()
	h := &harness{t: t, engine: &fakeEngine{}, teardowns: make(chan group.Teardown, 1)}
	if handlers == nil {
		handlers = group.DefaultHandlers()
	}
	g, err := group.New(group.Config{
		ID:                "g1",
		Name:              "test",
		Capacity:          capacity,
		DisconnectTimeout: timeout,
		HistorySize:       4,
		Handlers:          handlers,
		Engine:            h.engine,
		Logger:            zaptest.NewLogger(t),
		OnStart:           func(*group.Group) { h.started.Add(1) },
		OnTeardown:        func(_ *group.Group, td group.Teardown) { h.teardowns <- td },
	})
	require.NoError(t, err)
	h.group = g
	t.Cleanup(func() { _ = g.Close(group.ReasonShutdown) })
	return h
}

type member struct {
	id *session.Identity
	tr *sessiontest.Transport
}

func (h *harness) join(token string) member {
	h.t.Helper()
	m := connect(h.t, token)
	require.NoError(h.t, h.group.Add(m.id))
	return m
}

func connect(t *testing.T, token string) member {
	id := session.NewIdentity(token, zaptest.NewLogger(t))
	tr := sessiontest.NewTransport()
	require.True(t, id.UpdateTransport(tr))
	return member{id: id, tr: tr}
}

func (m *member) disconnect(t *testing.T, g *group.Group) {
	require.NoError(t, m.tr.Close())
	m.id.ClearTransport()
	require.NoError(t, g.Remove(m.id))
}

func (m *member) reconnect(t *testing.T, g *group.Group) {
	m.tr = sessiontest.NewTransport()
	require.True(t, m.id.UpdateTransport(m.tr))
	require.NoError(t, g.Add(m.id))
}

func fill(h *harness, n int) []member {
	out := make([]member, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, h.join(fmt.Sprintf("tok-%d", i)))
	}
	return out
}

func resetAll(ms []member) {
	for _, m := range ms {
		m.tr.Reset()
	}
}

func TestNew_Validation(t *testing.T) {
	eng := &fakeEngine{}
	_, err := group.New(group.Config{Capacity: 0, DisconnectTimeout: time.Second, Engine: eng})
	assert.Error(t, err)
	_, err = group.New(group.Config{Capacity: 2, Engine: eng})
	assert.Error(t, err)
	_, err = group.New(group.Config{Capacity: 2, DisconnectTimeout: time.Second})
	assert.Error(t, err)
	_, err = group.New(group.Config{
		Capacity:          2,
		DisconnectTimeout: time.Second,
		Engine:            eng,
		Handlers:          []group.Handler{group.ChatHandler(), group.ChatHandler()},
	})
	assert.ErrorContains(t, err, "duplicate handler name")
}

func TestGroup_CapacityFourScenario(t *testing.T) {
	h := newHarness(t, 4, 150*time.Millisecond)
	g := h.group

	a := h.join("A")
	b := h.join("B")
	c := h.join("C")
	assert.Equal(t, group.StatusAdmitting, g.Status())
	assert.Equal(t, int32(0), h.engine.starts.Load())

	d := h.join("D")
	assert.Equal(t, group.StatusFullConnected, g.Status())
	assert.Equal(t, int32(1), h.engine.starts.Load(), "engine starts exactly once")
	assert.Equal(t, int32(1), h.started.Load())

	all := []member{a, b, c, d}
	resetAll(all)
	a.disconnect(t, g)
	assert.Equal(t, group.StatusFullDegraded, g.Status())
	for _, m := range []member{b, c, d} {
		env, ok := m.tr.Last(protocol.TypeDisconnectedUsers)
		require.True(t, ok, "away notification for %s", m.id.Token())
		users, _ := env.Get("users")
		assert.Equal(t, map[string]any{"1": true, "2": false, "3": false, "4": false}, users)
	}

	resetAll(all)
	a.reconnect(t, g)
	all[0] = a
	assert.Equal(t, group.StatusFullConnected, g.Status())
	for _, m := range all {
		assert.Equal(t, 1, m.tr.Count(protocol.TypeGameReady), "ready notification for %s", m.id.Token())
	}
	assert.Equal(t, 1, a.tr.Count(protocol.TypeGetGameState), "returning member gets its snapshot")
	assert.Equal(t, int32(1), h.engine.starts.Load(), "reconnection must not restart the engine")

	resetAll(all)
	a.disconnect(t, g)

	var td group.Teardown
	select {
	case td = <-h.teardowns:
	case <-time.After(2 * time.Second):
		t.Fatal("expected teardown after the away deadline")
	}
	assert.Equal(t, group.ReasonExpired, td.Reason)
	assert.True(t, td.Started)
	assert.Len(t, td.Members, 4)
	assert.Equal(t, group.StatusClosed, g.Status())
	for _, m := range []member{b, c, d} {
		assert.Equal(t, 1, m.tr.Count(protocol.TypeGameOverDisconnected), "termination for %s", m.id.Token())
	}
	assert.Equal(t, 0, a.tr.Count(protocol.TypeGameOverDisconnected))

	assert.ErrorIs(t, g.Add(connect(t, "E").id), group.ErrClosed)
	assert.ErrorIs(t, g.Add(a.id), group.ErrClosed)
	assert.ErrorIs(t, g.Remove(b.id), group.ErrClosed)
	_, err := g.HandleMessage(b.id, protocol.New(protocol.TypeChat, map[string]any{"message": "hi"}))
	assert.ErrorIs(t, err, group.ErrClosed)
	assert.Equal(t, 0, g.Size())
	assert.Empty(t, b.id.GroupID(), "teardown releases members")
}

func TestGroup_AddBroadcastsSnapshots(t *testing.T) {
	h := newHarness(t, 3, time.Minute)
	a := h.join("A")
	assert.Equal(t, 1, a.tr.Count(protocol.TypeGetGameState))
	b := h.join("B")
	assert.Equal(t, 2, a.tr.Count(protocol.TypeGetGameState))
	assert.Equal(t, 1, b.tr.Count(protocol.TypeGetGameState))

	pid, ok := b.id.PlayerID()
	require.True(t, ok)
	assert.Equal(t, 2, pid)
	assert.Equal(t, "g1", b.id.GroupID())
}

func TestGroup_AddPassesIdentityFields(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	m := connect(t, "A")
	m.id.SetField("name", "alice")
	require.NoError(t, h.group.Add(m.id))
	require.Len(t, h.engine.admitted, 1)
	assert.Equal(t, "alice", h.engine.admitted[0]["name"])
}

func TestGroup_AddConnectedMemberResendsSnapshot(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	a := h.join("A")
	b := h.join("B")

	fresh := sessiontest.NewTransport()
	require.True(t, a.id.UpdateTransport(fresh))
	b.tr.Reset()
	require.NoError(t, h.group.Add(a.id))

	assert.Equal(t, 2, h.group.Size())
	assert.Equal(t, 1, fresh.Count(protocol.TypeGetGameState))
	assert.Empty(t, b.tr.Envelopes(), "other members are not disturbed")
	assert.Equal(t, int32(1), h.engine.starts.Load())
}

func TestGroup_AddRejectsOtherGroupMember(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	m := connect(t, "A")
	m.id.Admit("elsewhere", 3)
	assert.ErrorIs(t, h.group.Add(m.id), group.ErrOtherGroup)
	assert.Equal(t, 0, h.group.Size())
}

func TestProperty_Group_FullRejectsNewcomers(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 6).Draw(rt, "capacity")
		extra := rapid.IntRange(1, 4).Draw(rt, "extra")
		h := newHarness(t, capacity, time.Minute)
		fill(h, capacity)
		for i := 0; i < extra; i++ {
			err := h.group.Add(connect(t, fmt.Sprintf("late-%d", i)).id)
			if !errors.Is(err, group.ErrFull) {
				rt.Fatalf("expected ErrFull, got %v", err)
			}
			if h.group.Size() != capacity {
				rt.Fatalf("size changed to %d", h.group.Size())
			}
		}
		if h.engine.starts.Load() != 1 {
			rt.Fatalf("expected one start, got %d", h.engine.starts.Load())
		}
	})
}

func TestGroup_RemoveNonMemberIsNoop(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	h.join("A")
	require.NoError(t, h.group.Remove(connect(t, "X").id))
	assert.Equal(t, group.StatusAdmitting, h.group.Status())
}

func TestGroup_RemoveWhileAdmittingSendsNoAwayMap(t *testing.T) {
	h := newHarness(t, 3, time.Minute)
	a := h.join("A")
	b := h.join("B")
	a.disconnect(t, h.group)
	assert.Equal(t, 0, b.tr.Count(protocol.TypeDisconnectedUsers))
	state, deadline, ok := h.group.MemberState(a.id)
	require.True(t, ok)
	assert.Equal(t, group.StateAway, state)
	assert.True(t, deadline.After(time.Now()))
}

func TestGroup_SecondAwayMemberUpdatesMap(t *testing.T) {
	h := newHarness(t, 3, time.Minute)
	ms := fill(h, 3)
	ms[0].disconnect(t, h.group)
	ms[2].tr.Reset()
	ms[1].disconnect(t, h.group)

	env, ok := ms[2].tr.Last(protocol.TypeDisconnectedUsers)
	require.True(t, ok)
	users, _ := env.Get("users")
	assert.Equal(t, map[string]any{"1": true, "2": true, "3": false}, users)
}

func TestGroup_ReconnectWithOtherAwayStaysDegraded(t *testing.T) {
	h := newHarness(t, 3, time.Minute)
	ms := fill(h, 3)
	ms[0].disconnect(t, h.group)
	ms[1].disconnect(t, h.group)
	resetAll(ms)

	ms[0].reconnect(t, h.group)
	assert.Equal(t, group.StatusFullDegraded, h.group.Status())
	assert.Equal(t, 0, ms[2].tr.Count(protocol.TypeGameReady))
}

func TestGroup_ReconnectCancelsExpiry(t *testing.T) {
	h := newHarness(t, 2, 60*time.Millisecond)
	ms := fill(h, 2)
	ms[0].disconnect(t, h.group)
	ms[0].reconnect(t, h.group)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, group.StatusFullConnected, h.group.Status())
	assert.Equal(t, 0, ms[1].tr.Count(protocol.TypeGameOverDisconnected))
}

func TestGroup_HandleMessageRequiresMembership(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	h.join("A")
	_, err := h.group.HandleMessage(connect(t, "X").id, protocol.New(protocol.TypeChat, nil))
	assert.ErrorIs(t, err, group.ErrNotMember)
}

func TestGroup_HandleMessageGatedWhileAdmitting(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	a := h.join("A")
	_, err := h.group.HandleMessage(a.id, protocol.New(protocol.TypeChat, map[string]any{"message": "hi"}))
	assert.ErrorIs(t, err, group.ErrNotReady)
	assert.Empty(t, h.group.History())
}

func TestProperty_Group_DegradedDropsAllButEscapeHatch(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	ms := fill(h, 2)
	ms[0].disconnect(t, h.group)

	rapid.Check(t, func(rt *rapid.T) {
		typ := rapid.StringMatching(`[a-zA-Z]{1,12}`).Filter(func(s string) bool {
			return s != protocol.TypeGameOver
		}).Draw(rt, "type")
		_, err := h.group.HandleMessage(ms[1].id, protocol.New(typ, map[string]any{"message": "x"}))
		if !errors.Is(err, group.ErrNotReady) {
			rt.Fatalf("type %q: expected ErrNotReady, got %v", typ, err)
		}
	})
	assert.Empty(t, h.group.History())
	assert.Positive(t, ms[1].tr.Count(protocol.TypeDisconnectedUsers), "gated messages re-send the away map")
}

func TestGroup_EscapeHatchCompletesDegradedGroup(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	ms := fill(h, 2)
	ms[0].disconnect(t, h.group)

	res, err := h.group.HandleMessage(ms[1].id, protocol.New(protocol.TypeGameOver, nil))
	require.NoError(t, err)
	assert.True(t, res.OK)

	select {
	case td := <-h.teardowns:
		assert.Equal(t, group.ReasonCompleted, td.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected teardown after the engine finished")
	}
	assert.Equal(t, group.StatusClosed, h.group.Status())
}

func TestGroup_ChatBroadcastAndHistory(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	ms := fill(h, 2)

	for i := 0; i < 6; i++ {
		_, err := h.group.HandleMessage(ms[i%2].id, protocol.New(protocol.TypeChat, map[string]any{
			"message": fmt.Sprintf("m%d", i),
		}))
		require.NoError(t, err)
	}
	assert.Equal(t, 6, ms[0].tr.Count(protocol.TypeChat))
	assert.Equal(t, 6, ms[1].tr.Count(protocol.TypeChat))

	history := h.group.History()
	require.Len(t, history, 4)
	for i, e := range history {
		text, _ := e.Message.String("message")
		assert.Equal(t, fmt.Sprintf("m%d", i+2), text)
		assert.Equal(t, "chat", e.Handler)
	}
}

func TestGroup_GameLogReturnsHistoryToRequester(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	ms := fill(h, 2)
	_, err := h.group.HandleMessage(ms[0].id, protocol.New(protocol.TypeChat, map[string]any{"message": "hi"}))
	require.NoError(t, err)

	_, err = h.group.HandleMessage(ms[1].id, protocol.New(protocol.TypeGetGameLog, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, ms[1].tr.Count(protocol.TypeGetGameLog))
	assert.Equal(t, 0, ms[0].tr.Count(protocol.TypeGetGameLog))
}

func TestGroup_RejectedRequestNotRecorded(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	h.engine.handleErr = errors.New("not your turn")
	a := h.join("A")

	res, err := h.group.HandleMessage(a.id, protocol.New("endTurn", nil))
	assert.ErrorIs(t, err, group.ErrRejected)
	assert.False(t, res.OK)
	env, ok := a.tr.Last("endTurn")
	require.True(t, ok)
	assert.Equal(t, false, env.Payload["success"])
	assert.Equal(t, "not your turn", env.Payload["message"])
	assert.Empty(t, h.group.History())
}

func TestGroup_NoHandler(t *testing.T) {
	h := newHarness(t, 1, time.Minute, group.ChatHandler())
	a := h.join("A")
	_, err := h.group.HandleMessage(a.id, protocol.New("unknown", nil))
	assert.ErrorIs(t, err, group.ErrNoHandler)
}

func TestGroup_FirstMatchWins(t *testing.T) {
	var order []string
	first := group.MessageTypeHandler("ping", func(req group.Request) (group.Result, error) {
		order = append(order, "first")
		return group.Reply(req.PlayerID, protocol.New("pong", nil)), nil
	})
	second := &group.FuncHandler{
		HandlerName: "catch-all",
		MatchFn:     func(protocol.Envelope) bool { return true },
		RunFn: func(req group.Request) (group.Result, error) {
			order = append(order, "second")
			return group.Reply(req.PlayerID, nil), nil
		},
	}
	h := newHarness(t, 1, time.Minute, first, second)
	a := h.join("A")

	_, err := h.group.HandleMessage(a.id, protocol.New("ping", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, order)
	assert.Equal(t, 1, a.tr.Count("pong"))
}

func TestGroup_EchoHandlerCatchesUnmatched(t *testing.T) {
	h := newHarness(t, 2, time.Minute, group.ChatHandler(), group.EchoHandler())
	ms := fill(h, 2)
	resetAll(ms)

	_, err := h.group.HandleMessage(ms[0].id, protocol.New("wave", map[string]any{"hand": "left"}))
	require.NoError(t, err)
	env, ok := ms[0].tr.Last("wave")
	require.True(t, ok)
	assert.Equal(t, "left", env.Payload["hand"])
	assert.Zero(t, ms[1].tr.Count("wave"), "echo replies only to the sender")

	_, err = h.group.HandleMessage(ms[0].id, protocol.New(protocol.TypeChat, map[string]any{"message": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, 1, ms[1].tr.Count(protocol.TypeChat), "earlier handlers still win")
}

func TestGroup_HandlerErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	h := newHarness(t, 1, time.Minute, group.MessageTypeHandler("x", func(group.Request) (group.Result, error) {
		return group.Result{}, boom
	}))
	a := h.join("A")
	_, err := h.group.HandleMessage(a.id, protocol.New("x", nil))
	assert.ErrorIs(t, err, boom)
}

func TestGroup_CloseTwice(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	h.join("A")
	require.NoError(t, h.group.Close(group.ReasonShutdown))
	td := <-h.teardowns
	assert.Equal(t, group.ReasonShutdown, td.Reason)
	assert.False(t, td.Started)
	assert.ErrorIs(t, h.group.Close(group.ReasonShutdown), group.ErrClosed)
}

func TestGroup_ConcurrentOperationsStayConsistent(t *testing.T) {
	const capacity = 8
	h := newHarness(t, capacity, time.Minute)

	var wg sync.WaitGroup
	var joined atomic.Int32
	for i := 0; i < capacity*2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := connect(t, fmt.Sprintf("c-%d", i))
			if h.group.Add(m.id) == nil {
				joined.Add(1)
				_ = h.group.Remove(m.id)
				_ = h.group.Add(m.id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), joined.Load())
	assert.Equal(t, capacity, h.group.Size())
	assert.Equal(t, group.StatusFullConnected, h.group.Status())
	assert.Equal(t, int32(1), h.engine.starts.Load())
}

func TestSummary(t *testing.T) {
	h := newHarness(t, 2, time.Minute)
	h.join("A")
	s := h.group.Summary()
	assert.Equal(t, group.Summary{ID: "g1", Name: "test", Capacity: 2, Size: 1, Status: "ADMITTING"}, s)
}
