// Package capture bridges a raw audio sample source to the relay's chunked
// PCM16 stream.
//
// A Bridge owns a [SampleSource] (typically a microphone device wrapper) and
// an [audio.Encoder]. It resamples incoming float32 blocks to the pipeline
// rate, feeds them through the encoder, and forwards emitted chunks on a
// bounded outbound channel. Sends are non-blocking: when the consumer lags,
// the chunk is dropped and a counter incremented, so the capture path never
// stalls the device callback.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/maelstrand/vocalis/pkg/audio"
)

// SampleSource is a device-side producer of float32 mono sample blocks.
//
// Blocks must be closed by the source when capture ends. SampleRate reports
// the native rate of the produced blocks; the Bridge resamples to the
// pipeline rate when they differ.
type SampleSource interface {
	// Blocks returns the channel on which sample blocks arrive.
	Blocks() <-chan []float32

	// SampleRate returns the native sample rate of the source in Hz.
	SampleRate() int

	// Close stops the source and closes the Blocks channel.
	Close() error
}

// ErrAlreadyStarted is returned by Start when the Bridge is already running.
var ErrAlreadyStarted = errors.New("capture: bridge already started")

// Option is a functional option for configuring a Bridge.
type Option func(*Bridge)

// WithChunkThreshold sets the encoder emission threshold in bytes.
func WithChunkThreshold(threshold int) Option {
	return func(b *Bridge) { b.threshold = threshold }
}

// WithPipelineRate sets the target sample rate blocks are resampled to before
// encoding. Defaults to [audio.DefaultSampleRate].
func WithPipelineRate(rate int) Option {
	return func(b *Bridge) {
		if rate > 0 {
			b.pipelineRate = rate
		}
	}
}

// WithQueueSize sets the capacity of the outbound chunk channel.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// Bridge pumps sample blocks from a SampleSource through an Encoder and
// exposes the resulting PCM16 chunks on Chunks.
type Bridge struct {
	source       SampleSource
	threshold    int
	pipelineRate int
	queueSize    int

	out     chan []byte
	dropped atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBridge creates a Bridge reading from source. The outbound channel is
// created on Start.
func NewBridge(source SampleSource, opts ...Option) *Bridge {
	b := &Bridge{
		source:       source,
		pipelineRate: audio.DefaultSampleRate,
		queueSize:    16,
	}
	for _, o := range opts {
		o(b)
	}
	b.out = make(chan []byte, b.queueSize)
	return b
}

// Chunks returns the outbound channel of PCM16 chunks. The channel is closed
// after Stop (or context cancellation) once the final flush chunk has been
// forwarded.
func (b *Bridge) Chunks() <-chan []byte { return b.out }

// Dropped returns the number of chunks discarded because the consumer lagged.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// Start spawns the processing goroutine. It returns ErrAlreadyStarted on a
// second call. The goroutine exits when the source's Blocks channel closes,
// Stop is called, or ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.run(runCtx)
	return nil
}

// Stop closes the sample source, flushes the encoder, forwards the final
// chunk, and closes the outbound channel. Safe to call multiple times and
// before Start; stopping a never-started bridge closes the outbound channel
// immediately and spends the bridge.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done

	if cancel == nil {
		// Never started: there is no run goroutine to close the outbound
		// channel, so do it here and mark the bridge spent so a later Start
		// cannot double-close it.
		if !b.started {
			b.started = true
			close(b.out)
		}
		b.mu.Unlock()
		return b.source.Close()
	}
	b.mu.Unlock()

	err := b.source.Close()
	cancel()
	<-done
	return err
}

// run is the single goroutine that owns the encoder.
func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	defer close(b.out)

	enc := audio.NewEncoder(b.threshold)
	srcRate := b.source.SampleRate()

	defer func() {
		if final := enc.Stop(); final != nil {
			b.forward(final)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-b.source.Blocks():
			if !ok {
				return
			}
			if srcRate != b.pipelineRate {
				block = audio.ResampleFloat32(block, srcRate, b.pipelineRate)
			}
			for _, chunk := range enc.Process(block) {
				b.forward(chunk)
			}
		}
	}
}

// forward performs the non-blocking send. A full queue drops the chunk.
func (b *Bridge) forward(chunk []byte) {
	select {
	case b.out <- chunk:
	default:
		b.dropped.Add(1)
	}
}
