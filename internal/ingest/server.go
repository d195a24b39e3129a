package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/cleanstream/internal/observe"
	"github.com/MrWong99/cleanstream/internal/pipeline"
	"github.com/MrWong99/cleanstream/pkg/audio"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
	"github.com/MrWong99/cleanstream/pkg/provider/vad"
)

// Path is where [Server] is mounted.
const Path = "/v1/stream"

// closeTimeout bounds how long a session waits for its pipeline to shut down.
const closeTimeout = 5 * time.Second

// Config wires a [Server] to its collaborators.
type Config struct {
	// Provider creates one engine per session.
	Provider     stt.Provider
	ProviderName string

	// Detector is shared by all sessions.
	Detector vad.Detector

	// Pipeline is the template for every session. The query parameters
	// override its format.
	Pipeline pipeline.Config

	// Reporters returns extra reporters for a new stream. May be nil.
	Reporters func(stream string) []pipeline.Reporter

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// AllowedOrigins is passed to websocket.Accept as OriginPatterns.
	AllowedOrigins []string
}

// Server accepts audio streams over WebSocket.
type Server struct {
	cfg      Config
	pipeline atomic.Pointer[pipeline.Config]
	seq      atomic.Uint64
	active   atomic.Int64
	wg       sync.WaitGroup
}

var _ http.Handler = (*Server)(nil)

// NewServer returns a Server for cfg.
func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "stt"
	}
	s := &Server{cfg: cfg}
	pc := cfg.Pipeline
	s.pipeline.Store(&pc)
	return s
}

// SetPipelineConfig replaces the template used for new sessions. Running
// sessions keep their configuration.
func (s *Server) SetPipelineConfig(cfg pipeline.Config) {
	s.pipeline.Store(&cfg)
}

// Active returns the number of open sessions.
func (s *Server) Active() int64 { return s.active.Load() }

// Wait blocks until every session has finished.
func (s *Server) Wait() { s.wg.Wait() }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pc := *s.pipeline.Load()
	format, codecName, err := parseQuery(r, pc.Format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pc.Format = format

	codec, err := NewCodec(codecName, format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := r.URL.Query().Get("stream")
	if id == "" {
		id = "stream-" + strconv.FormatUint(s.seq.Add(1), 10)
	}
	log := s.cfg.Logger.With("stream", id, "format", format.String(), "codec", codec.Name())

	sess := newSession(id, codec, pollInterval(pc), log)
	opts := []pipeline.Option{
		pipeline.WithReporter(sess),
		pipeline.WithMetrics(s.cfg.Metrics),
		pipeline.WithLogger(log),
		pipeline.WithProviderName(s.cfg.ProviderName),
		pipeline.WithStream(id),
	}
	if s.cfg.Reporters != nil {
		for _, rep := range s.cfg.Reporters(id) {
			opts = append(opts, pipeline.WithReporter(rep))
		}
	}

	pipe, err := pipeline.New(r.Context(), pc, s.cfg.Provider, s.cfg.Detector, opts...)
	if err != nil {
		log.Error("ingest: create pipeline", "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	sess.pipe = pipe

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		log.Warn("ingest: accept", "err", err)
		s.closePipeline(log, pipe)
		return
	}
	conn.SetReadLimit(1 << 22)
	sess.conn = conn

	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)
	s.cfg.Metrics.IngestSessions.Add(r.Context(), 1)
	defer s.cfg.Metrics.IngestSessions.Add(context.Background(), -1)

	log.Info("ingest: stream opened")
	runErr := sess.run(r.Context())
	s.closePipeline(log, pipe)

	if runErr != nil {
		log.Warn("ingest: stream failed", "err", runErr)
		conn.Close(websocket.StatusInternalError, truncateReason(runErr.Error()))
		return
	}
	log.Info("ingest: stream closed", "dropped_reports", sess.dropped.Load())
	conn.Close(websocket.StatusNormalClosure, "stream closed")
}

func (s *Server) closePipeline(log *slog.Logger, p *pipeline.Pipeline) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		log.Warn("ingest: close pipeline", "err", err)
	}
}

func parseQuery(r *http.Request, def audio.Format) (audio.Format, string, error) {
	q := r.URL.Query()
	f := def
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, "", fmt.Errorf("ingest: invalid sample_rate %q", v)
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > audio.MaxChannels {
			return f, "", fmt.Errorf("ingest: invalid channels %q", v)
		}
		f.Channels = n
	}
	return f, q.Get("codec"), nil
}

func pollInterval(c pipeline.Config) time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return pipeline.DefaultPollInterval
}

// truncateReason keeps a close reason within the 123 bytes a control frame
// allows.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
