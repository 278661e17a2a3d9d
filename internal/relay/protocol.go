package relay

import (
	"encoding/json"
	"time"

	"github.com/maelstrand/vocalis/internal/persona"
)

// Client → server control message types (JSON text frames). Raw PCM16 audio
// travels as binary frames and never appears here.
const (
	ControlSelectPersona = "select_persona"
	ControlChatMessage   = "chat_message"
	ControlCommitAudio   = "commit_audio"
	ControlStop          = "stop"
)

// Server → client event types (JSON text frames). Synthesized audio goes out
// as binary frames.
const (
	EventPersonaSelected = "persona_selected"
	EventAIResponse      = "ai_response"
	EventAudioDone       = "audio_done"
	EventError           = "error"
)

// ControlMessage is the tagged union of client control messages.
type ControlMessage struct {
	Type string `json:"type"`

	// PersonaID carries the target persona for select_persona.
	PersonaID string `json:"persona_id,omitempty"`

	// Message carries the text payload for chat_message.
	Message string `json:"message,omitempty"`
}

// DecodeControl parses a text frame into a ControlMessage. Malformed JSON,
// an unknown type, or a missing required field yields a *ProtocolError.
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, &ProtocolError{Reason: "malformed JSON"}
	}
	switch msg.Type {
	case ControlSelectPersona:
		if msg.PersonaID == "" {
			return ControlMessage{}, &ProtocolError{Reason: "select_persona requires persona_id"}
		}
	case ControlChatMessage:
		if msg.Message == "" {
			return ControlMessage{}, &ProtocolError{Reason: "chat_message requires message"}
		}
	case ControlCommitAudio, ControlStop:
	case "":
		return ControlMessage{}, &ProtocolError{Reason: "missing type"}
	default:
		return ControlMessage{}, &ProtocolError{Reason: "unknown type " + msg.Type}
	}
	return msg, nil
}

// Event is the tagged union of server events sent to the client.
type Event struct {
	Type string `json:"type"`

	// Persona is set on persona_selected.
	Persona *persona.Persona `json:"persona,omitempty"`

	// Message carries greeting, response, or error text.
	Message string `json:"message,omitempty"`

	// Timestamp is set on ai_response, ISO-8601 in UTC.
	Timestamp string `json:"timestamp,omitempty"`
}

// PersonaSelectedEvent builds the confirmation event for a successful persona
// selection. The message is the persona's greeting line.
func PersonaSelectedEvent(p persona.Persona, greeting string) Event {
	return Event{Type: EventPersonaSelected, Persona: &p, Message: greeting}
}

// AIResponseEvent builds a model (or fallback) text response event.
func AIResponseEvent(message string, at time.Time) Event {
	return Event{Type: EventAIResponse, Message: message, Timestamp: at.UTC().Format(time.RFC3339)}
}

// AudioDoneEvent signals that the upstream finished streaming a spoken
// response.
func AudioDoneEvent() Event {
	return Event{Type: EventAudioDone}
}

// ErrorEvent builds a recoverable error event.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}
