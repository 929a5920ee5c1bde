package group

import "github.com/AustejaJak/tincisnotcatan/internal/protocol"

// Broadcast is the recipient key meaning every connected member.
const Broadcast = -1

// Engine is the game-rule collaborator bound to one Group. A Group only
// calls it while holding its lock, so implementations need no locking of
// their own and must not block on I/O.
type Engine interface {
	// Admit registers a participant and returns its engine-scoped identifier.
	Admit(fields map[string]any) (int, error)
	// SnapshotFor returns the serializable state visible to playerID.
	SnapshotFor(playerID int) any
	// Start transitions the engine into play once the group is full.
	Start()
	// Handle applies a request from playerID and returns per-recipient payloads.
	// The Broadcast key addresses every connected member.
	Handle(playerID int, msg protocol.Envelope) (map[int]any, error)
}

// Finisher is implemented by engines that can report normal game completion.
// A Group tears itself down after a dispatch leaves Finished() true.
type Finisher interface {
	Finished() bool
}
