package group

import (
	"fmt"

	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
	"github.com/AustejaJak/tincisnotcatan/internal/session"
)

// View is a read-only picture of a Group taken under its lock and handed to
// request handlers, which must never call back into the Group itself.
type View struct {
	ID        string
	Name      string
	Capacity  int
	PlayerIDs []int
	History   []Entry
}

// Request is one dispatch handed to a Handler.
type Request struct {
	Identity *session.Identity
	PlayerID int
	Message  protocol.Envelope
	Engine   Engine
	Group    View
}

// Result is a handler's outcome. Responses are keyed by engine-scoped player
// identifier; the Broadcast key addresses every connected member.
type Result struct {
	OK        bool
	Responses map[int]any
}

// Reply builds a successful Result addressed to a single player.
func Reply(playerID int, payload any) Result {
	return Result{OK: true, Responses: map[int]any{playerID: payload}}
}

// Reject builds a failed Result that still tells the requester why.
func Reject(playerID int, payload any) Result {
	return Result{OK: false, Responses: map[int]any{playerID: payload}}
}

// Handler is a pluggable request processor. Handlers are consulted in a
// fixed order and the first whose Matches accepts the message runs.
type Handler interface {
	// Name identifies the handler in logs and history.
	Name() string
	// Matches reports whether this handler processes msg.
	Matches(msg protocol.Envelope) bool
	// Run processes the request. A non-nil error means the handler itself
	// failed; a Result with OK false means the request was refused.
	Run(req Request) (Result, error)
}

// FuncHandler adapts a pair of functions to the Handler interface.
type FuncHandler struct {
	HandlerName string
	MatchFn     func(msg protocol.Envelope) bool
	RunFn       func(req Request) (Result, error)
}

// Name returns HandlerName.
func (h *FuncHandler) Name() string { return h.HandlerName }

// Matches calls MatchFn.
func (h *FuncHandler) Matches(msg protocol.Envelope) bool { return h.MatchFn(msg) }

// Run calls RunFn.
func (h *FuncHandler) Run(req Request) (Result, error) { return h.RunFn(req) }

// MatchTypes returns a predicate accepting any of the given discriminators.
func MatchTypes(types ...string) func(protocol.Envelope) bool {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(msg protocol.Envelope) bool {
		_, ok := set[msg.Type]
		return ok
	}
}

// validateHandlers checks that handler names are unique and non-empty.
//
// Postcondition: Returns nil or an error naming the first collision.
func validateHandlers(handlers []Handler) error {
	seen := make(map[string]struct{}, len(handlers))
	for i, h := range handlers {
		if h == nil {
			return fmt.Errorf("handler %d is nil", i)
		}
		name := h.Name()
		if name == "" {
			return fmt.Errorf("handler %d has an empty name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate handler name: %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
