package group

import (
	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
)

// MessageTypeHandler runs fn for messages whose discriminator equals typ.
func MessageTypeHandler(typ string, fn func(req Request) (Result, error)) Handler {
	return &FuncHandler{HandlerName: typ, MatchFn: MatchTypes(typ), RunFn: fn}
}

// ChatHandler relays "chat" messages to every connected member.
func ChatHandler() Handler {
	return &FuncHandler{
		HandlerName: "chat",
		MatchFn:     MatchTypes(protocol.TypeChat),
		RunFn: func(req Request) (Result, error) {
			text, _ := req.Message.String("message")
			if text == "" {
				return Reject(req.PlayerID, protocol.FailureMessage(protocol.TypeChat, "empty message")), nil
			}
			out := protocol.New(protocol.TypeChat, map[string]any{
				"from":    req.PlayerID,
				"message": text,
			})
			return Result{OK: true, Responses: map[int]any{Broadcast: out}}, nil
		},
	}
}

// GameLogHandler answers "getGameLog" with the group's retained history.
func GameLogHandler() Handler {
	return &FuncHandler{
		HandlerName: "game-log",
		MatchFn:     MatchTypes(protocol.TypeGetGameLog),
		RunFn: func(req Request) (Result, error) {
			return Reply(req.PlayerID, protocol.New(protocol.TypeGetGameLog, map[string]any{
				"entries": req.Group.History,
			})), nil
		},
	}
}

// EchoHandler sends every message back to its sender. It matches everything,
// so it belongs at the end of a chain, mostly in tests and demos.
func EchoHandler() Handler {
	return &FuncHandler{
		HandlerName: "echo",
		MatchFn:     func(protocol.Envelope) bool { return true },
		RunFn: func(req Request) (Result, error) {
			return Reply(req.PlayerID, req.Message), nil
		},
	}
}

// EngineHandler forwards messages to the bound Engine. With no types it
// matches everything. Engine errors are refusals: the requester is told why
// and the dispatch fails.
func EngineHandler(types ...string) Handler {
	match := func(protocol.Envelope) bool { return true }
	if len(types) > 0 {
		match = MatchTypes(types...)
	}
	return &FuncHandler{
		HandlerName: "engine",
		MatchFn:     match,
		RunFn: func(req Request) (Result, error) {
			responses, err := req.Engine.Handle(req.PlayerID, req.Message)
			if err != nil {
				return Reject(req.PlayerID, protocol.FailureMessage(req.Message.Type, err.Error())), nil
			}
			return Result{OK: true, Responses: responses}, nil
		},
	}
}

// DefaultHandlers is the standard chain: chat, game log, then the engine.
func DefaultHandlers() []Handler {
	return []Handler{ChatHandler(), GameLogHandler(), EngineHandler()}
}
