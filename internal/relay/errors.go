package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for the recoverable relay failure modes. All three are
// surfaced to the client as error or fallback events; none of them terminate
// the connection.
var (
	// ErrUnknownPersona is returned when select_persona references an id that
	// is not in the catalog. The session stays in its current state.
	ErrUnknownPersona = errors.New("relay: unknown persona")

	// ErrSessionClosed is returned for messages arriving after teardown. The
	// frame is discarded and no event is emitted.
	ErrSessionClosed = errors.New("relay: session closed")

	// ErrUpstreamUnavailable indicates the speech backend is not configured
	// or cannot be reached. The session degrades to fallback responses for
	// chat and silently drops audio.
	ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")
)

// ProtocolError describes a malformed or unrecognized client control message.
// It is recoverable: the session replies with an error event and keeps its
// state.
type ProtocolError struct {
	// Reason describes what was wrong with the message.
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("relay: protocol error: %s", e.Reason)
}
