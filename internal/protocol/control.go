package protocol

import "strconv"

// Cookie is the wire form of an issued client credential.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ErrorMessage tells a client its connection was refused. description is
// DescriptionReset or DescriptionDuplicateTab.
func ErrorMessage(description string) Envelope {
	return New(TypeError, map[string]any{"description": description})
}

// SetCookieMessage hands a newly minted identity token back to the client.
func SetCookieMessage(cookies ...Cookie) Envelope {
	return New(TypeSetCookie, map[string]any{"cookies": cookies})
}

// DisconnectedUsersMessage lists every member and whether it is currently away.
// Keys are engine-scoped player identifiers.
func DisconnectedUsersMessage(away map[int]bool) Envelope {
	users := make(map[string]bool, len(away))
	for id, isAway := range away {
		users[strconv.Itoa(id)] = isAway
	}
	return New(TypeDisconnectedUsers, map[string]any{"users": users})
}

// GameReadyMessage signals that every member is connected again.
func GameReadyMessage() Envelope {
	return New(TypeGameReady, nil)
}

// GameOverDisconnectedMessage signals that the session was abandoned because
// an away member never came back.
func GameOverDisconnectedMessage() Envelope {
	return New(TypeGameOverDisconnected, nil)
}

// GameStateMessage wraps an engine snapshot for delivery.
func GameStateMessage(state any) Envelope {
	return New(TypeGetGameState, map[string]any{"state": state})
}

// FailureMessage answers a rejected request of the given type.
func FailureMessage(requestType, message string) Envelope {
	return New(requestType, map[string]any{"success": false, "message": message})
}
