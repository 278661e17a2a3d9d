// Package speech defines the Provider interface for upstream speech-to-speech
// backends.
//
// A speech provider wraps a hosted realtime voice model that accepts raw PCM16
// audio and streams synthesised audio back over a single, stateful session.
// One session is scoped to one client connection and one persona selection at
// a time; switching personas closes the old session and opens a new one.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed
// channel carrying audio and model text concurrently. All implementations
// must be safe for concurrent use.
package speech

import (
	"context"
	"time"
)

// SessionConfig is the initial configuration for a new upstream session.
type SessionConfig struct {
	// Voice is the provider-specific voice identifier the model speaks with.
	Voice string

	// Instructions is the system-level prompt that defines the persona's
	// personality and behavioural constraints.
	Instructions string
}

// Utterance is a piece of model-generated or model-recognised text surfaced
// by the session alongside the audio stream.
type Utterance struct {
	// Speaker is "assistant" for model responses and "user" for recognised
	// user speech.
	Speaker string

	// Text is the utterance content.
	Text string

	// Timestamp is when the utterance completed.
	Timestamp time.Time
}

// SessionHandle represents an open upstream speech session. It is an
// interface so that test code can supply mock implementations without a live
// provider connection.
//
// The session sits on the hot path of the relay — every method must return
// quickly. Audio output is channel-based so a slow consumer never blocks the
// provider's receive loop beyond the channel buffer. All methods must be safe
// for concurrent use. Callers must call Close when done.
type SessionHandle interface {
	// SendAudio delivers a raw PCM16 mono chunk to the model's input buffer.
	// Returns an error if the session is closed or the transport fails.
	SendAudio(chunk []byte) error

	// SendText injects a text message as an out-of-band conversation turn and
	// requests a model response.
	SendText(text string) error

	// Commit marks the current audio input as a complete utterance and
	// requests a model response. Used for push-to-talk style interaction
	// where the client, not server-side VAD, decides turn boundaries.
	Commit() error

	// Audio returns a read-only channel emitting raw PCM16 byte slices as the
	// model synthesises its spoken response. The channel is closed when the
	// session ends; check [SessionHandle.Err] afterwards to distinguish a
	// clean close from a mid-stream failure. Consumers must drain promptly.
	Audio() <-chan []byte

	// Utterances returns a read-only channel emitting completed model and
	// user text. Closed when the session ends.
	Utterances() <-chan Utterance

	// Err returns the error that caused the Audio channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// Close terminates the session, releases all resources, and closes the
	// Audio and Utterances channels. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any upstream speech backend.
//
// Implementations must be safe for concurrent use: the relay opens one
// session per connected client.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned SessionHandle is ready to accept audio immediately. The caller
	// owns the handle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
