package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maelstrand/vocalis/internal/persona"
	"github.com/maelstrand/vocalis/pkg/speech"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateIdle is the initial state: connected, no persona selected.
	StateIdle State = iota
	// StatePersonaSelected means a persona is active but no audio has flowed.
	StatePersonaSelected
	// StateStreaming means at least one audio frame has been forwarded.
	StateStreaming
	// StateClosed is terminal: the upstream is torn down and all further
	// messages are rejected.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePersonaSelected:
		return "persona_selected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventSink is where a Session writes client-bound traffic. The server
// implements it on top of the per-connection outbound queue; tests implement
// it in memory. Implementations must be safe for concurrent use and must
// preserve per-connection ordering.
type EventSink interface {
	// SendEvent writes a JSON event as a text frame.
	SendEvent(evt Event) error

	// SendAudio writes a synthesized PCM16 chunk as a binary frame.
	SendAudio(chunk []byte) error
}

// DefaultIdleTimeout is how long an upstream session may sit without inbound
// audio or text before the Session closes it to avoid leaking connections.
const DefaultIdleTimeout = 5 * time.Minute

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithIdleTimeout overrides DefaultIdleTimeout. Zero or negative disables the
// idle watchdog.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.idleTimeout = d }
}

// Session is the per-connection state machine coordinating one client socket
// with at most one upstream speech session.
//
// State transitions run under the session mutex; the WebSocket read loop is
// the primary caller, with the upstream pump goroutine and the idle watchdog
// touching only the thread-safe entry points. The invariant throughout is
// that at most one upstream session is live: selecting a persona closes the
// previous upstream before opening the next.
type Session struct {
	clientID    string
	catalog     *persona.Catalog
	provider    speech.Provider // nil → degraded fallback mode
	sink        EventSink
	logger      *slog.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	state    State
	current  persona.Persona
	upstream speech.SessionHandle
	pumpDone chan struct{}
	idle     *time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a Session in StateIdle. provider may be nil, in which
// case every persona runs in degraded fallback mode.
func NewSession(clientID string, catalog *persona.Catalog, provider speech.Provider, sink EventSink, opts ...SessionOption) *Session {
	s := &Session{
		clientID:    clientID,
		catalog:     catalog,
		provider:    provider,
		sink:        sink,
		logger:      slog.Default(),
		idleTimeout: DefaultIdleTimeout,
		state:       StateIdle,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("client_id", clientID)
	return s
}

// ClientID returns the client identifier the session was registered under.
func (s *Session) ClientID() string { return s.clientID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PersonaID returns the active persona id, or "" before the first selection.
func (s *Session) PersonaID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.ID
}

// Done is closed when the session reaches StateClosed. The connection handler
// uses it to terminate the socket after a fatal upstream error.
func (s *Session) Done() <-chan struct{} { return s.done }

// Notify delivers an out-of-band event to this session's client. Used by the
// registry for broadcasts. No-op after close.
func (s *Session) Notify(evt Event) error {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.sink.SendEvent(evt)
}

// ── Control handling ───────────────────────────────────────────────────────────

// HandleControl applies one decoded control message to the state machine.
// Recoverable failures are reported to the client and returned (wrapped in
// the sentinel taxonomy) for logging; they never require the caller to close
// the connection. ErrSessionClosed means the frame was discarded.
func (s *Session) HandleControl(ctx context.Context, msg ControlMessage) error {
	switch msg.Type {
	case ControlSelectPersona:
		return s.selectPersona(ctx, msg.PersonaID)
	case ControlChatMessage:
		return s.chatMessage(msg.Message)
	case ControlCommitAudio:
		return s.commitAudio()
	case ControlStop:
		return s.Close()
	default:
		perr := &ProtocolError{Reason: "unknown type " + msg.Type}
		s.sink.SendEvent(ErrorEvent(perr.Reason))
		return perr
	}
}

// selectPersona validates the id, swaps the upstream session, and confirms to
// the client. Reselecting the active persona with a live upstream is
// idempotent.
func (s *Session) selectPersona(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	p, ok := s.catalog.Get(id)
	if !ok {
		s.mu.Unlock()
		s.sink.SendEvent(ErrorEvent("unknown persona: " + id))
		return ErrUnknownPersona
	}

	greeting := persona.Greeting(id)

	if s.current.ID == id && s.upstream != nil {
		s.mu.Unlock()
		s.sink.SendEvent(PersonaSelectedEvent(p, greeting))
		return nil
	}

	// Tear down the previous upstream before opening the next so at most one
	// is ever live. The teardown releases the lock while the pump drains, so
	// a concurrent Close may have landed; closed is terminal.
	s.teardownUpstreamLocked()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.current = p
	s.state = StatePersonaSelected
	s.mu.Unlock()

	handle, err := s.connectUpstream(ctx, p)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		if handle != nil {
			handle.Close()
		}
		return ErrSessionClosed
	}
	if handle != nil {
		s.upstream = handle
		s.pumpDone = make(chan struct{})
		go s.pump(handle, s.pumpDone)
		s.resetIdleLocked()
	}
	s.mu.Unlock()

	s.sink.SendEvent(PersonaSelectedEvent(p, greeting))

	if handle != nil {
		// Prime the model so it speaks the greeting. Best effort.
		if err := handle.SendText(greeting); err != nil {
			s.logger.Warn("greeting injection failed", "persona", id, "error", err)
		}
		return nil
	}

	s.logger.Warn("upstream unavailable, persona running in fallback mode",
		"persona", id, "error", err)
	return ErrUpstreamUnavailable
}

// connectUpstream opens a speech session for the persona. Returns a nil
// handle (with the cause) when no provider is configured or the dial fails.
func (s *Session) connectUpstream(ctx context.Context, p persona.Persona) (speech.SessionHandle, error) {
	if s.provider == nil {
		return nil, ErrUpstreamUnavailable
	}
	handle, err := s.provider.Connect(ctx, speech.SessionConfig{
		Voice:        p.Voice,
		Instructions: p.Prompt,
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// chatMessage forwards text upstream, or answers with the persona's
// deterministic fallback when no upstream is live.
func (s *Session) chatMessage(text string) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateIdle:
		s.mu.Unlock()
		s.sink.SendEvent(ErrorEvent("no persona selected"))
		return &ProtocolError{Reason: "chat_message before select_persona"}
	}
	handle := s.upstream
	personaID := s.current.ID
	s.resetIdleLocked()
	s.mu.Unlock()

	if handle != nil {
		err := handle.SendText(text)
		if err == nil {
			return nil
		}
		s.logger.Warn("upstream text send failed, falling back", "error", err)
	}

	s.sink.SendEvent(AIResponseEvent(persona.Fallback(personaID, text), time.Now()))
	if handle == nil {
		return ErrUpstreamUnavailable
	}
	return nil
}

// commitAudio signals a manual end-of-utterance. No-op without an upstream.
func (s *Session) commitAudio() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	handle := s.upstream
	s.resetIdleLocked()
	s.mu.Unlock()

	if handle == nil {
		return nil
	}
	if err := handle.Commit(); err != nil {
		s.logger.Warn("audio commit failed", "error", err)
	}
	return nil
}

// HandleAudio forwards one binary PCM16 frame upstream, unmodified. Without
// an active persona or upstream the frame is dropped silently. The first
// forwarded frame moves the session to StateStreaming.
func (s *Session) HandleAudio(chunk []byte) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateIdle:
		s.mu.Unlock()
		return nil
	}
	handle := s.upstream
	if handle != nil && s.state == StatePersonaSelected {
		s.state = StateStreaming
	}
	s.resetIdleLocked()
	s.mu.Unlock()

	if handle == nil {
		return nil
	}
	if err := handle.SendAudio(chunk); err != nil {
		s.logger.Warn("upstream audio send failed", "error", err)
	}
	return nil
}

// ── Upstream pump ──────────────────────────────────────────────────────────────

// pump fans the upstream session's audio and text out to the client sink in
// arrival order. It exits when both upstream channels close. A mid-stream
// upstream failure closes the whole session; a clean close (persona switch,
// idle timeout, Close) does not.
func (s *Session) pump(handle speech.SessionHandle, done chan struct{}) {
	defer close(done)

	audio := handle.Audio()
	utterances := handle.Utterances()
	for audio != nil || utterances != nil {
		select {
		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if err := s.sink.SendAudio(chunk); err != nil {
				s.logger.Warn("audio delivery to client failed", "error", err)
			}
		case u, ok := <-utterances:
			if !ok {
				utterances = nil
				continue
			}
			if u.Speaker == "user" {
				s.logger.Debug("user speech recognized", "text", u.Text)
				continue
			}
			if err := s.sink.SendEvent(AIResponseEvent(u.Text, u.Timestamp)); err != nil {
				s.logger.Warn("event delivery to client failed", "error", err)
			}
		}
	}

	s.mu.Lock()
	stillCurrent := s.upstream == handle
	if stillCurrent {
		s.upstream = nil
	}
	s.mu.Unlock()

	if !stillCurrent {
		return
	}

	// The handle ended on its own; release provider resources. Close is
	// idempotent, so racing a later teardown is harmless.
	handle.Close()

	if err := handle.Err(); err != nil {
		s.logger.Error("upstream session failed mid-stream", "error", err)
		s.Close()
		return
	}
	s.sink.SendEvent(AudioDoneEvent())
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// resetIdleLocked (re)arms the idle watchdog. Caller holds s.mu.
func (s *Session) resetIdleLocked() {
	if s.idleTimeout <= 0 {
		return
	}
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idle = time.AfterFunc(s.idleTimeout, s.idleExpire)
}

// idleExpire closes a quiet upstream session so abandoned connections do not
// leak provider sessions. The client keeps its persona and may resume via a
// new select_persona.
func (s *Session) idleExpire() {
	s.mu.Lock()
	if s.state == StateClosed || s.upstream == nil {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("closing idle upstream session", "persona", s.current.ID,
		"idle_timeout", s.idleTimeout)
	s.teardownUpstreamLocked()
	// The teardown releases the lock while the pump drains; a Close landing
	// in that window must not be overwritten.
	if s.state != StateClosed {
		s.state = StatePersonaSelected
	}
	s.mu.Unlock()
}

// teardownUpstreamLocked closes the current upstream handle, if any, and
// waits for its pump to drain. Caller holds s.mu.
func (s *Session) teardownUpstreamLocked() {
	handle := s.upstream
	pumpDone := s.pumpDone
	if handle == nil {
		return
	}
	s.upstream = nil
	s.pumpDone = nil

	// Release the lock while the pump drains: it may be blocked on the sink.
	s.mu.Unlock()
	handle.Close()
	if pumpDone != nil {
		<-pumpDone
	}
	s.mu.Lock()
}

// Close moves the session to StateClosed and tears down the upstream exactly
// once. Safe to call from any goroutine and multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		if s.idle != nil {
			s.idle.Stop()
		}
		s.teardownUpstreamLocked()
		s.mu.Unlock()
		close(s.done)
		s.logger.Info("session closed")
	})
	return nil
}
