package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/AustejaJak/tincisnotcatan/internal/group"
	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
)

// BroadcastKey addresses every connected member in a script's response table.
const BroadcastKey = "*"

// ErrMissingFunction is returned when a script does not define matches and run.
var ErrMissingFunction = errors.New("script must define matches(msg) and run(player_id, msg, group)")

// Handler is a group.Handler backed by one Lua script. The script defines:
//
//	function matches(msg) ... return bool end
//	function run(player_id, msg, group) ... return responses, ok end
//
// msg is the request as a flat table including requestType. group carries
// id, name, capacity, and players. responses maps a player id, or "*" for
// everyone, to a payload table; ok defaults to true.
//
// The VM is single-threaded, so calls from concurrent groups are serialized.
type Handler struct {
	name   string
	limit  int
	logger *zap.Logger

	mu sync.Mutex
	L  *lua.LState
}

// LoadHandler compiles the script at path.
//
// Precondition: path must be a readable Lua file.
// Postcondition: Returns a Handler with a live VM, or a non-nil error.
func LoadHandler(path string, instLimit int, logger *zap.Logger) (*Handler, error) {
	L := NewSandboxedState()
	registerModules(L, logger)

	if err := WithLimit(L, instLimit, func() error { return L.DoFile(path) }); err != nil {
		L.Close()
		return nil, fmt.Errorf("scripting: loading %q: %w", path, err)
	}
	for _, fn := range []string{"matches", "run"} {
		if L.GetGlobal(fn).Type() != lua.LTFunction {
			L.Close()
			return nil, fmt.Errorf("scripting: %q: %w", path, ErrMissingFunction)
		}
	}

	name := "lua:" + strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Handler{
		name:   name,
		limit:  instLimit,
		logger: logger.With(zap.String("handler", name)),
		L:      L,
	}, nil
}

// LoadHandlers compiles every *.lua file in dir in lexicographic order.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns all handlers, or closes any already loaded and returns the first error.
func LoadHandlers(dir string, instLimit int, logger *zap.Logger) ([]*Handler, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading handler dir %q: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	handlers := make([]*Handler, 0, len(paths))
	for _, p := range paths {
		h, err := LoadHandler(p, instLimit, logger)
		if err != nil {
			CloseAll(handlers)
			return nil, err
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// CloseAll closes every handler.
func CloseAll(handlers []*Handler) {
	for _, h := range handlers {
		h.Close()
	}
}

// Name implements group.Handler.
func (h *Handler) Name() string { return h.name }

// Matches implements group.Handler. Script errors are logged and treated as no match.
func (h *Handler) Matches(msg protocol.Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ret, err := h.call("matches", 1, messageTable(h.L, msg))
	if err != nil {
		h.logger.Warn("scripting: matches failed", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return lua.LVAsBool(ret[0])
}

// Run implements group.Handler.
func (h *Handler) Run(req group.Request) (group.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ret, err := h.call("run", 2,
		lua.LNumber(req.PlayerID),
		messageTable(h.L, req.Message),
		viewTable(h.L, req.Group),
	)
	if err != nil {
		return group.Result{}, fmt.Errorf("scripting: %s: %w", h.name, err)
	}

	responses, err := responsesFrom(ret[0])
	if err != nil {
		return group.Result{}, fmt.Errorf("scripting: %s: %w", h.name, err)
	}
	ok := ret[1] == lua.LNil || lua.LVAsBool(ret[1])
	return group.Result{OK: ok, Responses: responses}, nil
}

// Close releases the VM.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.L != nil {
		h.L.Close()
		h.L = nil
	}
}

// call invokes a global function with nret results under the instruction budget.
//
// Precondition: h.mu is held.
func (h *Handler) call(fn string, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	if h.L == nil {
		return nil, errors.New("handler is closed")
	}
	L := h.L
	err := WithLimit(L, h.limit, func() error {
		return L.CallByParam(lua.P{Fn: L.GetGlobal(fn), NRet: nret, Protect: true}, args...)
	})
	if err != nil {
		return nil, err
	}
	out := make([]lua.LValue, nret)
	for i := 0; i < nret; i++ {
		out[i] = L.Get(-nret + i)
	}
	L.Pop(nret)
	return out, nil
}

func messageTable(L *lua.LState, msg protocol.Envelope) *lua.LTable {
	t := toLua(L, msg.Payload).(*lua.LTable)
	t.RawSetString(protocol.RequestField, lua.LString(msg.Type))
	return t
}

func viewTable(L *lua.LState, v group.View) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(v.ID))
	t.RawSetString("name", lua.LString(v.Name))
	t.RawSetString("capacity", lua.LNumber(v.Capacity))
	t.RawSetString("players", toLua(L, v.PlayerIDs))
	return t
}

// responsesFrom converts a script's response table into per-recipient payloads.
func responsesFrom(v lua.LValue) (map[int]any, error) {
	if v == lua.LNil {
		return nil, nil
	}
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("responses must be a table, got %s", v.Type())
	}
	out := make(map[int]any)
	for _, k := range sortedKeys(t) {
		recipient, err := recipientFrom(k)
		if err != nil {
			return nil, err
		}
		payload, err := payloadFrom(t.RawGet(k))
		if err != nil {
			return nil, fmt.Errorf("response for %s: %w", k.String(), err)
		}
		out[recipient] = payload
	}
	return out, nil
}

func recipientFrom(k lua.LValue) (int, error) {
	switch x := k.(type) {
	case lua.LNumber:
		return int(x), nil
	case lua.LString:
		if string(x) == BroadcastKey {
			return group.Broadcast, nil
		}
		n, err := strconv.Atoi(string(x))
		if err != nil {
			return 0, fmt.Errorf("invalid recipient %q", string(x))
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid recipient of type %s", k.Type())
	}
}

// payloadFrom turns a payload table carrying requestType into an Envelope so
// it serializes like every other control message.
func payloadFrom(v lua.LValue) (any, error) {
	p, err := toGo(v)
	if err != nil {
		return nil, err
	}
	m, ok := p.(map[string]any)
	if !ok {
		return p, nil
	}
	if typ, ok := m[protocol.RequestField].(string); ok && typ != "" {
		return protocol.New(typ, m), nil
	}
	return m, nil
}
