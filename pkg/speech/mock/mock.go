// Package mock provides test doubles for the speech package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions to the
// relay. Use Session to drive the audio/utterance streams and inspect which
// methods the relay invoked.
//
// Example:
//
//	sess := &mock.Session{
//	    AudioCh:      make(chan []byte, 8),
//	    UtterancesCh: make(chan speech.Utterance, 4),
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/maelstrand/vocalis/pkg/speech"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg speech.SessionConfig
}

// Provider is a mock implementation of speech.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new default Session with buffered channels.
	Session speech.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// SetSession swaps the SessionHandle returned by subsequent Connect calls.
// Thread-safe.
func (p *Provider) SetSession(s speech.SessionHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Session = s
}

// Calls returns a copy of all recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// SendTextCall records a single invocation of Session.SendText.
type SendTextCall struct {
	// Text is the string passed to SendText.
	Text string
}

// Session is a mock implementation of speech.SessionHandle.
// Callers should pre-populate AudioCh and UtterancesCh, then close them (or
// call Close) to signal end-of-session.
type Session struct {
	mu sync.Mutex

	// AudioCh is returned by Audio. Must be non-nil before use.
	AudioCh chan []byte

	// UtterancesCh is returned by Utterances. Must be non-nil before use.
	UtterancesCh chan speech.Utterance

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned from SendText.
	SendTextErr error

	// CommitErr, if non-nil, is returned from Commit.
	CommitErr error

	// ErrValue is returned by Err.
	ErrValue error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []SendTextCall

	// CommitCallCount is the number of times Commit was called.
	CommitCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

// NewSession returns a Session with buffered audio and utterance channels,
// ready to hand to a relay under test.
func NewSession() *Session {
	return &Session{
		AudioCh:      make(chan []byte, 64),
		UtterancesCh: make(chan speech.Utterance, 16),
	}
}

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, SendTextCall{Text: text})
	return s.SendTextErr
}

// Commit records the call and returns CommitErr.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitCallCount++
	return s.CommitErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AudioCh
}

// Utterances returns UtterancesCh.
func (s *Session) Utterances() <-chan speech.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UtterancesCh
}

// Err returns ErrValue.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// Close records the call and closes both channels on the first invocation.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	if s.AudioCh != nil {
		close(s.AudioCh)
	}
	if s.UtterancesCh != nil {
		close(s.UtterancesCh)
	}
	return nil
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Audios returns a copy of all recorded SendAudio chunks. Thread-safe.
func (s *Session) Audios() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	for i, c := range s.SendAudioCalls {
		out[i] = c.Chunk
	}
	return out
}

// Commits returns the number of Commit calls. Thread-safe.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CommitCallCount
}

// Texts returns a copy of all recorded SendText strings. Thread-safe.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SendTextCalls))
	for i, c := range s.SendTextCalls {
		out[i] = c.Text
	}
	return out
}

// Ensure Session implements speech.SessionHandle at compile time.
var _ speech.SessionHandle = (*Session)(nil)
