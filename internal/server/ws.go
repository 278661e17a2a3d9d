package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/maelstrand/vocalis/internal/observe"
	"github.com/maelstrand/vocalis/internal/relay"
)

// defaultQueueSize bounds the per-connection outbound queue. At one-second
// PCM chunks this is over a minute of buffered audio; a client that far
// behind is not coming back.
const defaultQueueSize = 64

// errQueueFull is returned by the sink when the outbound queue overflows.
// The sink cancels the connection context alongside, so the read loop tears
// the connection down.
var errQueueFull = errors.New("server: outbound queue full, dropping client")

// outboundFrame is one queued client-bound WebSocket frame.
type outboundFrame struct {
	typ     websocket.MessageType
	payload []byte
}

// wsSink implements [relay.EventSink] on top of a bounded outbound queue.
// Events and audio from the session and the upstream pump are enqueued
// without blocking and written to the socket by a single writer goroutine,
// preserving per-connection ordering. A slow client fills the queue, at
// which point the sink cancels the connection instead of stalling the pump.
type wsSink struct {
	queue   chan outboundFrame
	cancel  context.CancelFunc
	metrics *observe.Metrics
	logger  *slog.Logger
}

func newWSSink(cancel context.CancelFunc, metrics *observe.Metrics, logger *slog.Logger, queueSize int) *wsSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &wsSink{
		queue:   make(chan outboundFrame, queueSize),
		cancel:  cancel,
		metrics: metrics,
		logger:  logger,
	}
}

// SendEvent marshals evt and enqueues it as a text frame.
func (s *wsSink) SendEvent(evt relay.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	s.metrics.RecordRelayEvent(context.Background(), evt.Type)
	return s.enqueue(outboundFrame{typ: websocket.MessageText, payload: payload})
}

// SendAudio enqueues a synthesized PCM16 chunk as a binary frame.
func (s *wsSink) SendAudio(chunk []byte) error {
	s.metrics.RecordAudioChunk(context.Background(), "outbound")
	return s.enqueue(outboundFrame{typ: websocket.MessageBinary, payload: chunk})
}

func (s *wsSink) enqueue(f outboundFrame) error {
	select {
	case s.queue <- f:
		return nil
	default:
		s.logger.Warn("outbound queue overflow, closing connection")
		s.cancel()
		return errQueueFull
	}
}

// writeLoop drains the queue onto the socket until ctx is cancelled. It is
// the only goroutine that writes to conn.
func (s *wsSink) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.queue:
			if err := conn.Write(ctx, f.typ, f.payload); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				s.cancel()
				return
			}
		}
	}
}

var _ relay.EventSink = (*wsSink)(nil)
