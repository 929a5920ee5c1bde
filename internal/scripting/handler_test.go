package scripting_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/AustejaJak/tincisnotcatan/internal/group"
	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
	"github.com/AustejaJak/tincisnotcatan/internal/scripting"
)

func writeTempLua(t testing.TB, dir, filename, src string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func loadHandler(t *testing.T, src string) (*scripting.Handler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	path := writeTempLua(t, t.TempDir(), "emote.lua", src)
	h, err := scripting.LoadHandler(path, 0, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h, logs
}

const emoteScript = `
function matches(msg)
	return msg.requestType == "emote"
end

function run(player_id, msg, group)
	engine.log.info("emote from " .. player_id)
	if msg.text == nil then
		return { [player_id] = { requestType = "emote", success = false, message = "missing text" } }, false
	end
	return {
		["*"] = { requestType = "emote", from = player_id, text = msg.text, group = group.name, seats = #group.players },
	}
end
`

func request(playerID int, msg protocol.Envelope) group.Request {
	return group.Request{
		PlayerID: playerID,
		Message:  msg,
		Group:    group.View{ID: "g1", Name: "table", Capacity: 4, PlayerIDs: []int{1, 2, 3}},
	}
}

func TestHandler_NameAndMatches(t *testing.T) {
	h, _ := loadHandler(t, emoteScript)
	assert.Equal(t, "lua:emote", h.Name())
	assert.True(t, h.Matches(protocol.New("emote", nil)))
	assert.False(t, h.Matches(protocol.New("chat", nil)))
}

func TestHandler_RunBroadcast(t *testing.T) {
	h, logs := loadHandler(t, emoteScript)
	res, err := h.Run(request(2, protocol.New("emote", map[string]any{"text": "waves"})))
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.Contains(t, res.Responses, group.Broadcast)

	env, ok := res.Responses[group.Broadcast].(protocol.Envelope)
	require.True(t, ok)
	assert.Equal(t, "emote", env.Type)
	assert.Equal(t, 2, env.Payload["from"])
	assert.Equal(t, "waves", env.Payload["text"])
	assert.Equal(t, "table", env.Payload["group"])
	assert.Equal(t, 3, env.Payload["seats"])
	assert.Equal(t, 1, logs.FilterMessage("emote from 2").Len())
}

func TestHandler_RunRejects(t *testing.T) {
	h, _ := loadHandler(t, emoteScript)
	res, err := h.Run(request(3, protocol.New("emote", nil)))
	require.NoError(t, err)
	assert.False(t, res.OK)
	env := res.Responses[3].(protocol.Envelope)
	assert.Equal(t, false, env.Payload["success"])
}

func TestHandler_RuntimeErrorFailsDispatch(t *testing.T) {
	h, _ := loadHandler(t, `
		function matches(msg) return true end
		function run(player_id, msg, group) error("boom") end
	`)
	_, err := h.Run(request(1, protocol.New("x", nil)))
	assert.ErrorContains(t, err, "boom")
}

func TestHandler_RunawayScriptIsStopped(t *testing.T) {
	core, _ := observer.New(zap.DebugLevel)
	path := writeTempLua(t, t.TempDir(), "spin.lua", `
		function matches(msg) return true end
		function run(player_id, msg, group) while true do end end
	`)
	h, err := scripting.LoadHandler(path, 1000, zap.New(core))
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Run(request(1, protocol.New("x", nil)))
	assert.Error(t, err)
	assert.True(t, h.Matches(protocol.New("x", nil)), "VM stays usable after a stopped call")
}

func TestHandler_MatchesErrorIsNoMatch(t *testing.T) {
	h, logs := loadHandler(t, `
		function matches(msg) error("bad") end
		function run(player_id, msg, group) return nil end
	`)
	assert.False(t, h.Matches(protocol.New("x", nil)))
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestHandler_InvalidResponses(t *testing.T) {
	h, _ := loadHandler(t, `
		function matches(msg) return true end
		function run(player_id, msg, group) return { nobody = {} } end
	`)
	_, err := h.Run(request(1, protocol.New("x", nil)))
	assert.ErrorContains(t, err, "invalid recipient")
}

func TestHandler_SelfReferencingResponseFailsDispatch(t *testing.T) {
	h, _ := loadHandler(t, `
		function matches(msg) return true end
		function run(player_id, msg, group)
			local t = { requestType = "x" }
			t.self = t
			return { ["*"] = t }
		end
	`)
	_, err := h.Run(request(1, protocol.New("x", nil)))
	assert.ErrorIs(t, err, scripting.ErrCyclicTable)

	_, err = h.Run(request(1, protocol.New("x", nil)))
	assert.ErrorIs(t, err, scripting.ErrCyclicTable, "the handler stays usable")
}

func TestHandler_DeeplyNestedResponseFailsDispatch(t *testing.T) {
	h, _ := loadHandler(t, `
		function matches(msg) return true end
		function run(player_id, msg, group)
			local t = { requestType = "x" }
			for i = 1, 100 do t = { inner = t } end
			return { [player_id] = t }
		end
	`)
	_, err := h.Run(request(1, protocol.New("x", nil)))
	assert.ErrorContains(t, err, "nested deeper")
}

func TestHandler_SharedTableIsNotACycle(t *testing.T) {
	h, _ := loadHandler(t, `
		function matches(msg) return true end
		function run(player_id, msg, group)
			local pos = { x = 1, y = 2 }
			return { ["*"] = { requestType = "move", from = pos, to = pos } }
		end
	`)
	res, err := h.Run(request(1, protocol.New("x", nil)))
	require.NoError(t, err)
	env := res.Responses[group.Broadcast].(protocol.Envelope)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, env.Payload["from"])
	assert.Equal(t, env.Payload["from"], env.Payload["to"])
}

func TestLoadHandler_MissingFunctions(t *testing.T) {
	path := writeTempLua(t, t.TempDir(), "half.lua", `function matches(msg) return true end`)
	_, err := scripting.LoadHandler(path, 0, zap.NewNop())
	assert.ErrorIs(t, err, scripting.ErrMissingFunction)
}

func TestLoadHandler_SyntaxError(t *testing.T) {
	path := writeTempLua(t, t.TempDir(), "broken.lua", `function matches(`)
	_, err := scripting.LoadHandler(path, 0, zap.NewNop())
	assert.Error(t, err)
}

func TestLoadHandlers_Directory(t *testing.T) {
	dir := t.TempDir()
	writeTempLua(t, dir, "b.lua", emoteScript)
	writeTempLua(t, dir, "a.lua", emoteScript)
	writeTempLua(t, dir, "notes.txt", "ignored")

	handlers, err := scripting.LoadHandlers(dir, 0, zap.NewNop())
	require.NoError(t, err)
	defer scripting.CloseAll(handlers)
	require.Len(t, handlers, 2)
	assert.Equal(t, "lua:a", handlers[0].Name())
	assert.Equal(t, "lua:b", handlers[1].Name())
}

func TestLoadHandlers_MissingDir(t *testing.T) {
	_, err := scripting.LoadHandlers(filepath.Join(t.TempDir(), "nope"), 0, zap.NewNop())
	assert.Error(t, err)
}

func TestHandler_InGroupChain(t *testing.T) {
	h, _ := loadHandler(t, emoteScript)
	_, err := group.New(group.Config{
		Capacity:          2,
		DisconnectTimeout: 1,
		Engine:            nopEngine{},
		Handlers:          []group.Handler{h, group.ChatHandler()},
	})
	require.NoError(t, err, "a Lua handler satisfies group.Handler")
}

type nopEngine struct{}

func (nopEngine) Admit(map[string]any) (int, error) { return 1, nil }
func (nopEngine) SnapshotFor(int) any { return nil }
func (nopEngine) Start() {}
func (nopEngine) Handle(int, protocol.Envelope) (map[int]any, error) { return nil, nil }

func TestLoadHandlers_ShippedContent(t *testing.T) {
	handlers, err := scripting.LoadHandlers(filepath.Join("..", "..", "content", "handlers"), 0, zap.NewNop())
	require.NoError(t, err)
	defer scripting.CloseAll(handlers)
	require.NotEmpty(t, handlers)
	assert.Equal(t, "lua:emote", handlers[0].Name())
}
