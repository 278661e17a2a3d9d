// Package server exposes the Vocalis relay over HTTP: a WebSocket endpoint
// for audio/control traffic plus REST endpoints for the persona catalog,
// relay statistics, health probes, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maelstrand/vocalis/internal/health"
	"github.com/maelstrand/vocalis/internal/observe"
	"github.com/maelstrand/vocalis/internal/persona"
	"github.com/maelstrand/vocalis/internal/relay"
	"github.com/maelstrand/vocalis/pkg/audio"
	"github.com/maelstrand/vocalis/pkg/speech"
)

// maxFrameSize is the floor for the largest inbound WebSocket frame the
// server accepts. Browser capture code sends one-second PCM16 chunks (the
// configured chunk threshold, 48000 bytes at 24 kHz by default); the actual
// limit scales with the threshold so oversized configs still work without
// letting a client exhaust memory.
const maxFrameSize = 1 << 20

// shutdownTimeout bounds graceful HTTP shutdown after ctx cancellation.
const shutdownTimeout = 10 * time.Second

// Server serves the relay transport. Create with [New], mount via [Handler]
// (for tests) or run with [Run].
type Server struct {
	provider speech.Provider // nil → degraded fallback mode
	registry *relay.Registry
	metrics  *observe.Metrics
	health   *health.Handler
	logger   *slog.Logger

	listenAddr     string
	certFile       string
	keyFile        string
	idleTimeout    time.Duration
	queueSize      int
	sampleRate     int
	chunkThreshold int

	// catalog is swapped atomically on config hot reload; new selections see
	// the new catalog, live sessions keep the persona they resolved.
	catalog atomic.Pointer[persona.Catalog]
}

// Option configures a [Server].
type Option func(*Server)

// WithListenAddr sets the TCP listen address. Default ":8080".
func WithListenAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.listenAddr = addr
		}
	}
}

// WithTLS enables HTTPS using the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithLogger sets the server logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithIdleTimeout sets the per-session upstream idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithQueueSize sets the per-connection outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithAudioFormat sets the pipeline sample rate and chunk threshold the
// relay advertises to capture clients via /api/audio-format. The inbound
// frame limit scales with the threshold.
func WithAudioFormat(sampleRate, chunkThreshold int) Option {
	return func(s *Server) {
		if sampleRate > 0 {
			s.sampleRate = sampleRate
		}
		if chunkThreshold > 0 {
			s.chunkThreshold = chunkThreshold
		}
	}
}

// New creates a Server for the given persona catalog and speech provider.
// provider may be nil, in which case every session runs in degraded fallback
// mode.
func New(catalog *persona.Catalog, provider speech.Provider, opts ...Option) *Server {
	s := &Server{
		registry:    relay.NewRegistry(),
		metrics:     observe.DefaultMetrics(),
		logger:      slog.Default(),
		listenAddr:     ":8080",
		idleTimeout:    relay.DefaultIdleTimeout,
		queueSize:      defaultQueueSize,
		sampleRate:     audio.DefaultSampleRate,
		chunkThreshold: audio.DefaultChunkThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	s.catalog.Store(catalog)
	if provider != nil {
		s.provider = &meteredProvider{
			inner:   newBreakerProvider(provider, s.logger),
			metrics: s.metrics,
		}
	}
	s.health = health.New(
		health.Checker{Name: "upstream", Check: s.checkUpstream},
		health.Checker{Name: "registry", Check: s.checkRegistry},
	)
	return s
}

// SetCatalog swaps the persona catalog. Live sessions are unaffected until
// their next select_persona.
func (s *Server) SetCatalog(c *persona.Catalog) {
	s.catalog.Store(c)
	s.logger.Info("persona catalog updated", "personas", c.Len())
}

// Registry exposes the session registry, e.g. for broadcasts.
func (s *Server) Registry() *relay.Registry { return s.registry }

// Handler builds the full route table. REST routes are wrapped with the
// observability middleware; the WebSocket route is mounted raw because the
// protocol upgrade needs the unwrapped ResponseWriter.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/personas", s.handlePersonas)
	api.HandleFunc("GET /api/personas/{id}", s.handlePersona)
	api.HandleFunc("GET /api/stats", s.handleStats)
	api.HandleFunc("GET /api/audio-format", s.handleAudioFormat)
	api.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(api)

	root := http.NewServeMux()
	root.HandleFunc("GET /ws", s.handleWS)
	root.HandleFunc("GET /ws/{client_id}", s.handleWS)
	root.Handle("/", observe.Middleware(s.metrics)(api))
	return root
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.listenAddr, "tls", s.certFile != "")
		if s.certFile != "" {
			errCh <- srv.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// ── WebSocket endpoint ─────────────────────────────────────────────────────────

// handleWS upgrades the connection and runs the per-connection relay session.
// The path may carry a client id; without one a fresh id is assigned.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	logger := s.logger.With("client_id", clientID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.readLimit())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := newWSSink(cancel, s.metrics, logger, s.queueSize)
	sess := relay.NewSession(clientID, s.catalog.Load(), s.provider, sink,
		relay.WithLogger(logger),
		relay.WithIdleTimeout(s.idleTimeout),
	)
	defer sess.Close()

	if err := s.registry.Add(sess); err != nil {
		logger.Warn("duplicate client id", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "client id already connected")
		return
	}
	defer s.registry.Remove(clientID)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	go sink.writeLoop(ctx, conn)

	// A fatal upstream error closes the session; fold that into the
	// connection context so the read loop unblocks.
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("client connected")
	s.readLoop(ctx, conn, sess, logger)

	// Normal closure regardless of path: recoverable errors never terminate
	// the connection, so reaching here means client disconnect or session end.
	conn.Close(websocket.StatusNormalClosure, "")
	logger.Info("client disconnected")
}

// readLoop dispatches inbound frames until the socket or the session ends.
// Text frames carry control JSON; binary frames carry PCM16 audio.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *relay.Session, logger *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case websocket.MessageText:
			s.dispatchControl(ctx, sess, data, logger)
		case websocket.MessageBinary:
			s.metrics.RecordAudioChunk(ctx, "inbound")
			if err := sess.HandleAudio(data); err != nil && !errors.Is(err, relay.ErrSessionClosed) {
				logger.Warn("audio frame rejected", "error", err)
			}
		}
	}
}

// dispatchControl decodes and applies one control frame. All failures here
// are recoverable: the client gets an error event and the connection stays
// open.
func (s *Server) dispatchControl(ctx context.Context, sess *relay.Session, data []byte, logger *slog.Logger) {
	msg, err := relay.DecodeControl(data)
	if err != nil {
		logger.Warn("malformed control frame", "error", err)
		var perr *relay.ProtocolError
		if errors.As(err, &perr) {
			sess.Notify(relay.ErrorEvent(perr.Reason))
		}
		return
	}

	err = sess.HandleControl(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrUpstreamUnavailable):
		if msg.Type == relay.ControlChatMessage {
			s.metrics.RecordFallback(ctx, sess.PersonaID())
		}
	case errors.Is(err, relay.ErrSessionClosed):
		// Frame discarded; the Done watcher ends the connection.
	default:
		logger.Warn("control rejected", "type", msg.Type, "error", err)
	}
}

// ── REST endpoints ─────────────────────────────────────────────────────────────

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Load().All())
}

func (s *Server) handlePersona(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := s.catalog.Load().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown persona: " + id})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// statsResponse augments the registry snapshot with the catalog size.
type statsResponse struct {
	relay.Stats
	CatalogSize int `json:"catalog_size"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:       s.registry.Stats(),
		CatalogSize: s.catalog.Load().Len(),
	})
}

// audioFormatResponse tells capture clients how to shape the PCM16 frames
// they send, matching the relay's configured pipeline.
type audioFormatResponse struct {
	SampleRate     int `json:"sample_rate"`
	ChunkThreshold int `json:"chunk_threshold"`
}

func (s *Server) handleAudioFormat(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, audioFormatResponse{
		SampleRate:     s.sampleRate,
		ChunkThreshold: s.chunkThreshold,
	})
}

// readLimit is the inbound frame ceiling: the maxFrameSize floor, or four
// chunk thresholds when the configured threshold outgrows it.
func (s *Server) readLimit() int64 {
	if limit := int64(s.chunkThreshold) * 4; limit > maxFrameSize {
		return limit
	}
	return maxFrameSize
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

// ── Readiness checks ───────────────────────────────────────────────────────────

// checkUpstream reports whether a speech backend is configured. Degraded
// mode keeps serving fallback replies, but /readyz surfaces it so operators
// notice.
func (s *Server) checkUpstream(_ context.Context) error {
	if s.provider == nil {
		return errors.New("no upstream configured, running degraded")
	}
	return nil
}

// checkRegistry exercises the registry lock to prove the relay core is
// responsive.
func (s *Server) checkRegistry(_ context.Context) error {
	s.registry.Len()
	return nil
}

// ── Metered provider ───────────────────────────────────────────────────────────

// meteredProvider wraps a speech.Provider to record connect latency, connect
// failures, and the live upstream gauge.
type meteredProvider struct {
	inner   speech.Provider
	metrics *observe.Metrics
}

func (p *meteredProvider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	start := time.Now()
	handle, err := p.inner.Connect(ctx, cfg)
	p.metrics.UpstreamConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordUpstreamError(ctx, "connect")
		return nil, err
	}
	p.metrics.ActiveUpstreams.Add(ctx, 1)
	return &meteredHandle{SessionHandle: handle, metrics: p.metrics}, nil
}

// meteredHandle decrements the upstream gauge exactly once on close and
// counts mid-stream failures.
type meteredHandle struct {
	speech.SessionHandle
	metrics *observe.Metrics

	closeOnce sync.Once
}

func (h *meteredHandle) Close() error {
	err := h.SessionHandle.Close()
	h.closeOnce.Do(func() {
		h.metrics.ActiveUpstreams.Add(context.Background(), -1)
		if serr := h.SessionHandle.Err(); serr != nil {
			h.metrics.RecordUpstreamError(context.Background(), "stream")
		}
	})
	return err
}

var (
	_ speech.Provider      = (*meteredProvider)(nil)
	_ speech.SessionHandle = (*meteredHandle)(nil)
)
