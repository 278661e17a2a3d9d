package relay_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maelstrand/vocalis/internal/persona"
	"github.com/maelstrand/vocalis/internal/relay"
	"github.com/maelstrand/vocalis/pkg/speech"
	"github.com/maelstrand/vocalis/pkg/speech/mock"
)

// memSink collects everything a session writes toward the client.
type memSink struct {
	mu     sync.Mutex
	events []relay.Event
	audio  [][]byte
}

func (m *memSink) SendEvent(evt relay.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memSink) SendAudio(chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = append(m.audio, chunk)
	return nil
}

func (m *memSink) Events() []relay.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]relay.Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *memSink) Audio() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.audio))
	copy(out, m.audio)
	return out
}

// lastEvent returns the most recent event, failing the test if none exist.
func (m *memSink) lastEvent(t *testing.T) relay.Event {
	t.Helper()
	events := m.Events()
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	return events[len(events)-1]
}

// waitFor polls cond until it is true or the timeout expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestSession(t *testing.T, provider speech.Provider, opts ...relay.SessionOption) (*relay.Session, *memSink) {
	t.Helper()
	sink := &memSink{}
	s := relay.NewSession("client-1", persona.Default(), provider, sink, opts...)
	t.Cleanup(func() { s.Close() })
	return s, sink
}

func selectPersona(t *testing.T, s *relay.Session, id string) {
	t.Helper()
	err := s.HandleControl(context.Background(), relay.ControlMessage{
		Type:      relay.ControlSelectPersona,
		PersonaID: id,
	})
	if err != nil {
		t.Fatalf("select_persona %q: %v", id, err)
	}
}

// ── select_persona ─────────────────────────────────────────────────────────────

func TestSelectPersona_OpensUpstreamAndConfirms(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	s, sink := newTestSession(t, provider)

	selectPersona(t, s, "astrologer")

	if got := s.State(); got != relay.StatePersonaSelected {
		t.Errorf("state = %v; want persona_selected", got)
	}
	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d; want 1", len(calls))
	}
	if calls[0].Cfg.Voice != "nova" {
		t.Errorf("voice = %q; want nova", calls[0].Cfg.Voice)
	}
	if calls[0].Cfg.Instructions == "" {
		t.Error("instructions empty; want persona prompt")
	}

	evt := sink.lastEvent(t)
	if evt.Type != relay.EventPersonaSelected {
		t.Fatalf("event type = %q; want persona_selected", evt.Type)
	}
	if evt.Persona == nil || evt.Persona.ID != "astrologer" {
		t.Errorf("event persona = %+v; want astrologer", evt.Persona)
	}
	if evt.Message != persona.Greeting("astrologer") {
		t.Errorf("event message = %q; want greeting", evt.Message)
	}
}

func TestSelectPersona_InjectsGreetingUpstream(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	s, _ := newTestSession(t, provider)

	selectPersona(t, s, "health")

	texts := sess.Texts()
	if len(texts) != 1 || texts[0] != persona.Greeting("health") {
		t.Errorf("upstream texts = %v; want the health greeting", texts)
	}
}

func TestSelectPersona_UnknownStaysIdle(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	s, sink := newTestSession(t, provider)

	err := s.HandleControl(context.Background(), relay.ControlMessage{
		Type:      relay.ControlSelectPersona,
		PersonaID: "pirate",
	})
	if !errors.Is(err, relay.ErrUnknownPersona) {
		t.Fatalf("err = %v; want ErrUnknownPersona", err)
	}
	if got := s.State(); got != relay.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d; want exactly 1 error event", len(events))
	}
	if events[0].Type != relay.EventError {
		t.Errorf("event type = %q; want error", events[0].Type)
	}
	if len(provider.Calls()) != 0 {
		t.Error("Connect was called for an unknown persona")
	}
}

func TestSelectPersona_SwitchClosesPriorUpstream(t *testing.T) {
	t.Parallel()

	first := mock.NewSession()
	provider := &mock.Provider{Session: first}
	s, _ := newTestSession(t, provider)

	selectPersona(t, s, "astrologer")

	second := mock.NewSession()
	provider.SetSession(second)
	selectPersona(t, s, "cars")

	if !first.Closed() {
		t.Error("prior upstream session still open after persona switch")
	}
	if second.Closed() {
		t.Error("new upstream session closed immediately")
	}
	if calls := provider.Calls(); len(calls) != 2 {
		t.Errorf("Connect calls = %d; want 2", len(calls))
	}
}

func TestSelectPersona_ReselectSameIsIdempotent(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	s, sink := newTestSession(t, provider)

	selectPersona(t, s, "general")
	selectPersona(t, s, "general")

	if calls := provider.Calls(); len(calls) != 1 {
		t.Errorf("Connect calls = %d; want 1 (reselect must reuse the session)", len(calls))
	}
	if sess.Closed() {
		t.Error("upstream closed by an idempotent reselect")
	}

	var confirmations int
	for _, evt := range sink.Events() {
		if evt.Type == relay.EventPersonaSelected {
			confirmations++
		}
	}
	if confirmations != 2 {
		t.Errorf("persona_selected events = %d; want 2", confirmations)
	}
}

func TestSelectPersona_NoProviderDegradesGracefully(t *testing.T) {
	t.Parallel()

	s, sink := newTestSession(t, nil)

	err := s.HandleControl(context.Background(), relay.ControlMessage{
		Type:      relay.ControlSelectPersona,
		PersonaID: "emotional",
	})
	if !errors.Is(err, relay.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v; want ErrUpstreamUnavailable", err)
	}
	if got := s.State(); got != relay.StatePersonaSelected {
		t.Errorf("state = %v; want persona_selected (degraded mode)", got)
	}
	if evt := sink.lastEvent(t); evt.Type != relay.EventPersonaSelected {
		t.Errorf("event type = %q; want persona_selected", evt.Type)
	}
}

func TestSelectPersona_ConnectFailureDegradesGracefully(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{ConnectErr: errors.New("dial refused")}
	s, sink := newTestSession(t, provider)

	err := s.HandleControl(context.Background(), relay.ControlMessage{
		Type:      relay.ControlSelectPersona,
		PersonaID: "windows",
	})
	if err == nil {
		t.Fatal("select with failing provider returned nil; want error")
	}
	if got := s.State(); got != relay.StatePersonaSelected {
		t.Errorf("state = %v; want persona_selected (degraded mode)", got)
	}
	if evt := sink.lastEvent(t); evt.Type != relay.EventPersonaSelected {
		t.Errorf("event type = %q; want persona_selected", evt.Type)
	}
}

// ── chat_message ───────────────────────────────────────────────────────────────

func TestChatMessage_ForwardsUpstream(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	s, _ := newTestSession(t, provider)

	selectPersona(t, s, "general")
	if err := s.HandleControl(context.Background(), relay.ControlMessage{
		Type:    relay.ControlChatMessage,
		Message: "hi",
	}); err != nil {
		t.Fatalf("chat_message: %v", err)
	}

	texts := sess.Texts()
	if len(texts) != 2 || texts[1] != "hi" {
		t.Errorf("upstream texts = %v; want [greeting, hi]", texts)
	}
}

func TestChatMessage_NoUpstreamFallsBack(t *testing.T) {
	t.Parallel()

	s, sink := newTestSession(t, nil)
	s.HandleControl(context.Background(), relay.ControlMessage{
		Type:      relay.ControlSelectPersona,
		PersonaID: "astrologer",
	})

	err := s.HandleControl(context.Background(), relay.ControlMessage{
		Type:    relay.ControlChatMessage,
		Message: "hi",
	})
	if !errors.Is(err, relay.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v; want ErrUpstreamUnavailable", err)
	}

	evt := sink.lastEvent(t)
	if evt.Type != relay.EventAIResponse {
		t.Fatalf("event type = %q; want ai_response (fallback, never an error)", evt.Type)
	}
	if want := persona.Fallback("astrologer", "hi"); evt.Message != want {
		t.Errorf("fallback message = %q; want %q", evt.Message, want)
	}
	if evt.Timestamp == "" {
		t.Error("fallback ai_response missing timestamp")
	}
	if got := s.State(); got == relay.StateClosed {
		t.Error("fallback closed the session")
	}
}

func TestChatMessage_BeforeSelectIsProtocolError(t *testing.T) {
	t.Parallel()

	s, sink := newTestSession(t, &mock.Provider{})

	err := s.HandleControl(context.Background(), relay.ControlMessage{
		Type:    relay.ControlChatMessage,
		Message: "hi",
	})
	var perr *relay.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v; want *ProtocolError", err)
	}
	if got := s.State(); got != relay.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
	if evt := sink.lastEvent(t); evt.Type != relay.EventError {
		t.Errorf("event type = %q; want error", evt.Type)
	}
}

// ── audio frames ───────────────────────────────────────────────────────────────

func TestHandleAudio_ForwardsVerbatimAndStreams(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	s, _ := newTestSession(t, provider)

	selectPersona(t, s, "cars")
	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	if err := s.HandleAudio(chunk); err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}

	if got := s.State(); got != relay.StateStreaming {
		t.Errorf("state = %v; want streaming after first audio frame", got)
	}
	audios := sess.Audios()
	if len(audios) != 1 || !bytes.Equal(audios[0], chunk) {
		t.Errorf("upstream audio = %v; want one verbatim chunk", audios)
	}
}

func TestHandleAudio_DroppedSilentlyWithoutUpstream(t *testing.T) {
	t.Parallel()

	s, sink := newTestSession(t, nil)
	s.HandleControl(context.Background(), relay.ControlMessage{
		Type:      relay.ControlSelectPersona,
		PersonaID: "health",
	})
	before := len(sink.Events())

	if err := s.HandleAudio([]byte{0, 0}); err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}
	if got := len(sink.Events()); got != before {
		t.Errorf("audio drop emitted %d extra events; want none", got-before)
	}
}

func TestHandleAudio_IdleIsSilentDrop(t *testing.T) {
	t.Parallel()

	s, sink := newTestSession(t, &mock.Provider{})
	if err := s.HandleAudio([]byte{0, 0}); err != nil {
		t.Fatalf("HandleAudio in idle: %v", err)
	}
	if got := len(sink.Events()); got != 0 {
		t.Errorf("events = %d; want 0", got)
	}
	if got := s.State(); got != relay.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
}

// ── commit_audio ───────────────────────────────────────────────────────────────

func TestCommitAudio_ForwardsCommit(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	s, _ := newTestSession(t, provider)

	selectPersona(t, s, "general")
	if err := s.HandleControl(context.Background(), relay.ControlMessage{Type: relay.ControlCommitAudio}); err != nil {
		t.Fatalf("commit_audio: %v", err)
	}
	if sess.CommitCallCount != 1 {
		t.Errorf("Commit calls = %d; want 1", sess.CommitCallCount)
	}
}

func TestCommitAudio_NoUpstreamIsNoOp(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, nil)
	if err := s.HandleControl(context.Background(), relay.ControlMessage{Type: relay.ControlCommitAudio}); err != nil {
		t.Errorf("commit_audio without upstream = %v; want nil", err)
	}
}

// ── upstream pump ──────────────────────────────────────────────────────────────

func TestPump_DeliversAudioAndText(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	s, sink := newTestSession(t, provider)

	selectPersona(t, s, "astrologer")

	pcm := []byte{0xAA, 0xBB}
	sess.AudioCh <- pcm
	sess.UtterancesCh <- speech.Utterance{Speaker: "assistant", Text: "the stars align", Timestamp: time.Now()}

	waitFor(t, func() bool { return len(sink.Audio()) == 1 })
	if !bytes.Equal(sink.Audio()[0], pcm) {
		t.Errorf("client audio = % X; want % X", sink.Audio()[0], pcm)
	}

	waitFor(t, func() bool {
		for _, evt := range sink.Events() {
			if evt.Type == relay.EventAIResponse && evt.Message == "the stars align" {
				return true
			}
		}
		return false
	})
}

func TestPump_AudioDoneOnCleanUpstreamEnd(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	s, sink := newTestSession(t, provider)

	selectPersona(t, s, "general")
	sess.Close()

	waitFor(t, func() bool {
		for _, evt := range sink.Events() {
			if evt.Type == relay.EventAudioDone {
				return true
			}
		}
		return false
	})
	if got := s.State(); got == relay.StateClosed {
		t.Error("clean upstream end closed the whole session")
	}
}

func TestPump_FatalUpstreamErrorClosesSession(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	sess.ErrValue = errors.New("upstream exploded")
	provider := &mock.Provider{Session: sess}
	s, _ := newTestSession(t, provider)

	selectPersona(t, s, "health")
	sess.Close()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: session not closed after fatal upstream error")
	}
	if got := s.State(); got != relay.StateClosed {
		t.Errorf("state = %v; want closed", got)
	}
}

// ── lifecycle ──────────────────────────────────────────────────────────────────

func TestStop_ClosesSessionAndUpstreamOnce(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	s, _ := newTestSession(t, provider)

	selectPersona(t, s, "cars")
	if err := s.HandleControl(context.Background(), relay.ControlMessage{Type: relay.ControlStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := s.State(); got != relay.StateClosed {
		t.Errorf("state = %v; want closed", got)
	}
	if !sess.Closed() {
		t.Error("upstream not closed on stop")
	}
	closeCalls := sess.CloseCallCount

	// Closing again must not touch the upstream a second time.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sess.CloseCallCount != closeCalls {
		t.Errorf("upstream Close called %d times after double close; want %d",
			sess.CloseCallCount, closeCalls)
	}
}

func TestClosedSession_RejectsAllTraffic(t *testing.T) {
	t.Parallel()

	s, sink := newTestSession(t, &mock.Provider{})
	s.Close()
	before := len(sink.Events())

	if err := s.HandleAudio([]byte{0, 0}); !errors.Is(err, relay.ErrSessionClosed) {
		t.Errorf("HandleAudio after close = %v; want ErrSessionClosed", err)
	}
	err := s.HandleControl(context.Background(), relay.ControlMessage{
		Type:      relay.ControlSelectPersona,
		PersonaID: "general",
	})
	if !errors.Is(err, relay.ErrSessionClosed) {
		t.Errorf("select after close = %v; want ErrSessionClosed", err)
	}
	if got := len(sink.Events()); got != before {
		t.Errorf("closed session emitted %d events; want none", got-before)
	}
}

// slowCloseSession wraps a mock session with a Close that blocks until the
// test releases it, widening the teardown drain window.
type slowCloseSession struct {
	*mock.Session
	closing chan struct{} // closed when Close is first entered
	release chan struct{} // Close blocks until the test closes this
	once    sync.Once
}

func newSlowCloseSession() *slowCloseSession {
	return &slowCloseSession{
		Session: mock.NewSession(),
		closing: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *slowCloseSession) Close() error {
	s.once.Do(func() { close(s.closing) })
	<-s.release
	return s.Session.Close()
}

func TestClose_DuringIdleTeardownStaysClosed(t *testing.T) {
	t.Parallel()

	sess := newSlowCloseSession()
	provider := &mock.Provider{Session: sess}
	s, _ := newTestSession(t, provider, relay.WithIdleTimeout(20*time.Millisecond))

	selectPersona(t, s, "general")

	// Wait for the idle watchdog to enter teardown and block in Close.
	select {
	case <-sess.closing:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: idle watchdog never reached upstream Close")
	}

	// Close the session while the watchdog has the lock released for the
	// drain. It must complete without waiting for the drain to finish.
	go s.Close()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: Close blocked behind the idle teardown drain")
	}

	close(sess.release)

	// The watchdog resuming after the drain must not resurrect the session.
	waitFor(t, func() bool { return sess.Closed() })
	if got := s.State(); got != relay.StateClosed {
		t.Errorf("state = %v; want closed (terminal) after concurrent close", got)
	}
	if err := s.Notify(relay.ErrorEvent("ping")); !errors.Is(err, relay.ErrSessionClosed) {
		t.Errorf("Notify after close = %v; want ErrSessionClosed", err)
	}
}

func TestClose_DuringPersonaSwitchStaysClosed(t *testing.T) {
	t.Parallel()

	first := newSlowCloseSession()
	provider := &mock.Provider{Session: first}
	s, _ := newTestSession(t, provider)

	selectPersona(t, s, "astrologer")

	provider.SetSession(mock.NewSession())
	switchErr := make(chan error, 1)
	go func() {
		switchErr <- s.HandleControl(context.Background(), relay.ControlMessage{
			Type:      relay.ControlSelectPersona,
			PersonaID: "cars",
		})
	}()

	// Wait for the switch to enter teardown and block closing the old handle.
	select {
	case <-first.closing:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: persona switch never reached upstream Close")
	}

	go s.Close()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: Close blocked behind the switch teardown drain")
	}

	close(first.release)

	if err := <-switchErr; !errors.Is(err, relay.ErrSessionClosed) {
		t.Errorf("persona switch racing close = %v; want ErrSessionClosed", err)
	}
	if got := s.State(); got != relay.StateClosed {
		t.Errorf("state = %v; want closed (terminal)", got)
	}
}

func TestIdleTimeout_ClosesUpstreamKeepsSession(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	s, _ := newTestSession(t, provider, relay.WithIdleTimeout(30*time.Millisecond))

	selectPersona(t, s, "emotional")

	waitFor(t, func() bool { return sess.Closed() })
	if got := s.State(); got != relay.StatePersonaSelected {
		t.Errorf("state = %v; want persona_selected after idle expiry", got)
	}
}
