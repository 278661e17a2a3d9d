// Package audio provides the PCM16 capture-side encoding stage of the Vocalis
// voice pipeline and the low-level PCM conversion helpers shared by capture,
// relay, and tests.
//
// The central type is [Encoder]: a pure, single-goroutine state machine that
// turns float sample blocks from an audio device into bounded little-endian
// PCM16 chunks. Chunk emission is threshold-driven so end-to-end latency stays
// bounded regardless of the device's native block size.
package audio

// DefaultSampleRate is the nominal pipeline sample rate in Hz. The upstream
// speech model consumes and produces 24 kHz mono PCM16, so the whole pipeline
// runs at that rate; capture sources at other rates are resampled first.
const DefaultSampleRate = 24000

// DefaultChunkThreshold is the encoder buffer size in bytes that triggers a
// chunk emission. At 24 kHz mono PCM16 (2 bytes per sample) 48000 bytes is one
// second of audio, which bounds per-chunk latency at one second.
const DefaultChunkThreshold = 48000

// Encoder converts float32 sample blocks to little-endian PCM16 and batches
// the bytes into chunks of at most Threshold bytes.
//
// Encoder is a pure state machine: Process and Stop must be called from a
// single goroutine (the capture loop). It never blocks and never allocates
// beyond the chunk slices it returns. After Stop, Process returns nil.
type Encoder struct {
	threshold int
	buf       []byte
	stopped   bool
}

// NewEncoder creates an Encoder that emits chunks of threshold bytes.
// A threshold < 2 (less than one sample) falls back to [DefaultChunkThreshold].
// Odd thresholds are rounded down to the previous even value so a chunk never
// splits a sample.
func NewEncoder(threshold int) *Encoder {
	if threshold < 2 {
		threshold = DefaultChunkThreshold
	}
	threshold -= threshold % 2
	return &Encoder{
		threshold: threshold,
		buf:       make([]byte, 0, threshold),
	}
}

// Threshold returns the configured emission threshold in bytes.
func (e *Encoder) Threshold() int { return e.threshold }

// Buffered returns the number of bytes currently held, i.e. 2 × the number of
// samples processed since the last emission. Always < Threshold immediately
// after Process returns.
func (e *Encoder) Buffered() int { return len(e.buf) }

// Process encodes one block of samples and returns zero or more complete
// chunks. Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767, matching the asymmetric range of two's
// complement int16. An empty block returns nil. After Stop, Process is a no-op.
func (e *Encoder) Process(block []float32) [][]byte {
	if e.stopped || len(block) == 0 {
		return nil
	}

	var chunks [][]byte
	for _, sample := range block {
		s := pcm16Sample(sample)
		e.buf = append(e.buf, byte(s), byte(s>>8))

		if len(e.buf) >= e.threshold {
			chunks = append(chunks, e.buf)
			e.buf = make([]byte, 0, e.threshold)
		}
	}
	return chunks
}

// Stop flushes any buffered bytes as one final (possibly short) chunk and
// marks the encoder stopped. Returns nil when the buffer is already empty.
// Stop is idempotent.
func (e *Encoder) Stop() []byte {
	e.stopped = true
	if len(e.buf) == 0 {
		return nil
	}
	out := e.buf
	e.buf = nil
	return out
}

// pcm16Sample clamps f to [-1, 1] and converts it to a signed 16-bit sample.
func pcm16Sample(f float32) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	if f < 0 {
		return int16(f * 32768)
	}
	return int16(f * 32767)
}

// EncodePCM16 converts a slice of float32 samples to little-endian PCM16
// bytes using the same clamping and asymmetric scaling as [Encoder].
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		s := pcm16Sample(f)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian PCM16 bytes back to normalized float32
// samples in [-1, 1]. A trailing odd byte is ignored. Decoding inverts the
// asymmetric scaling of [EncodePCM16] to within one least-significant bit of
// quantization error.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}
