// Command cleanstream runs the filler-detection service.
//
// It accepts audio streams over WebSocket at /v1/stream, serves health and
// Prometheus metrics endpoints, and optionally processes one raw PCM file
// (interleaved float32 little-endian at the configured format) through a
// local pipeline:
//
//	cleanstream -config config.yaml -input talk.f32 -output clean.f32
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cleanstream/internal/config"
	"github.com/MrWong99/cleanstream/internal/health"
	"github.com/MrWong99/cleanstream/internal/ingest"
	"github.com/MrWong99/cleanstream/internal/mcp"
	"github.com/MrWong99/cleanstream/internal/observe"
	"github.com/MrWong99/cleanstream/internal/pipeline"
	"github.com/MrWong99/cleanstream/internal/report"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	input := flag.String("input", "", `raw float32 PCM file to process, "-" for stdin`)
	output := flag.String("output", "", "file receiving the emitted audio (default: discarded)")
	chunk := flag.Int("chunk", 480, "frames per delivered chunk when processing -input")
	realtime := flag.Bool("realtime", false, "pace -input at the configured sample rate")
	flag.Parse()

	if *chunk <= 0 {
		fmt.Fprintf(os.Stderr, "cleanstream: -chunk must be positive, got %d\n", *chunk)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cleanstream: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cleanstream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("cleanstream starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"version", version,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Init(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	board := newBreakerBoard(metrics)
	tr, err := buildTranscriber(cfg, reg, board)
	if err != nil {
		slog.Error("failed to build transcriber", "err", err)
		return 1
	}
	slog.Info("transcriber ready", "backends", tr.backends)
	defer func() {
		if err := tr.Close(); err != nil {
			slog.Warn("transcriber close error", "err", err)
		}
	}()
	detector, err := buildDetector(cfg, reg)
	if err != nil {
		slog.Error("failed to build vad", "err", err)
		return 1
	}

	// ── Report sinks ──────────────────────────────────────────────────────────
	history := report.NewHistory(report.DefaultHistorySize)
	var logSink pipeline.Reporter
	if cfg.Report.Log {
		logSink = report.NewLogReporter(slog.Default())
	}
	var pg *report.Postgres
	if cfg.Report.PostgresDSN != "" {
		pg, err = report.NewPostgres(ctx, cfg.Report.PostgresDSN, report.PostgresOptions{})
		if err != nil {
			slog.Error("failed to connect report store", "err", err)
			return 1
		}
		defer func() {
			if err := pg.Close(); err != nil {
				slog.Warn("report store close error", "err", err)
			}
		}()
	}
	streamReporters := func(stream string) []pipeline.Reporter {
		rs := []pipeline.Reporter{history.ForStream(stream)}
		if logSink != nil {
			rs = append(rs, logSink)
		}
		if pg != nil {
			rs = append(rs, pg.ForStream(stream))
		}
		return rs
	}

	// ── Ingest server ─────────────────────────────────────────────────────────
	ingestSrv := ingest.NewServer(ingest.Config{
		Provider:       tr,
		ProviderName:   tr.name,
		Detector:       detector,
		Pipeline:       cfg.PipelineTemplate(),
		Reporters:      streamReporters,
		Metrics:        metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	checkers := []health.Checker{health.BreakerCheck("transcriber", board.state)}
	if pg != nil {
		checkers = append(checkers, health.PingCheck("report_store", pg))
	}

	// ── Local file pipeline (optional) ────────────────────────────────────────
	var filePipe *pipeline.Pipeline
	if *input != "" {
		filePipe, err = pipeline.New(ctx, cfg.PipelineTemplate(), tr, detector,
			pipeline.WithReporter(report.Fanout(streamReporters("file"))),
			pipeline.WithMetrics(metrics),
			pipeline.WithProviderName(tr.name),
			pipeline.WithStream("file"),
		)
		if err != nil {
			slog.Error("failed to create file pipeline", "err", err)
			return 1
		}
		checkers = append(checkers, health.PipelineCheck("file_pipeline", filePipe))
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", tel.Handler())
	mux.Handle(ingest.Path, ingestSrv)
	if cfg.Server.MCP {
		var src mcp.Source = history
		if pg != nil {
			src = pg
		}
		mux.Handle(mcp.Path, mcp.Handler(mcp.NewServer(src, version)))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, onConfigChange(&level, ingestSrv, filePipe))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	printStartupSummary(cfg, *input)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
		g.Go(func() error { return reloadOnHangup(gctx, watcher) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	if filePipe != nil {
		g.Go(func() error {
			err := processFile(gctx, filePipe, *input, *output, *chunk, *realtime)
			// The run ends with the file.
			stop()
			return err
		})
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping…")
	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if filePipe != nil {
		if err := filePipe.Close(shutdownCtx); err != nil {
			slog.Error("file pipeline close error", "err", err)
			code = 1
		}
	}
	done := make(chan struct{})
	go func() {
		ingestSrv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Error("streams still open at shutdown deadline", "active", ingestSrv.Active())
		code = 1
	}
	if pg != nil {
		pg.Sync()
	}
	slog.Info("goodbye")
	return code
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			_, applied, err := w.Reload()
			switch {
			case err != nil:
				slog.Warn("SIGHUP reload failed", "err", err)
			case !applied:
				slog.Info("SIGHUP reload: configuration unchanged")
			}
		}
	}
}

// processFile feeds the -input file through p and writes emitted audio to
// the -output file.
func processFile(ctx context.Context, p *pipeline.Pipeline, inPath, outPath string, chunk int, realtime bool) error {
	var in io.Reader = os.Stdin
	if inPath != "-" {
		f, err := os.Open(inPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	var out io.Writer
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	log := slog.With("input", inPath)
	fd := &feeder{pipe: p, out: out, chunk: chunk, realtime: realtime, log: log}
	start := time.Now()
	st, err := fd.run(ctx, in)
	if err != nil {
		return err
	}
	ps := p.Stats()
	log.Info("input processed",
		"frames_in", st.FramesIn,
		"frames_out", st.FramesOut,
		"unprocessed", st.Unprocessed,
		"windows", ps.Windows,
		"fillers", ps.Fillers,
		"degraded", ps.Degraded,
		"elapsed", time.Since(start),
	)
	return nil
}

// onConfigChange applies hot-reloadable settings: the log level, the pipeline
// template for new streams and the format and threshold of the file pipeline.
func onConfigChange(level *slog.LevelVar, srv *ingest.Server, filePipe *pipeline.Pipeline) config.ChangeFunc {
	return func(_, newCfg *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.PipelineChanged {
			srv.SetPipelineConfig(newCfg.PipelineTemplate())
			if filePipe != nil {
				applyFilePipeline(filePipe, newCfg)
			}
			slog.Info("pipeline settings changed", "format", newCfg.Pipeline.Format(), "filler_threshold", newCfg.Pipeline.Threshold())
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
		}
	}
}

// applyFilePipeline moves the file pipeline to newCfg. Buffered audio is only
// dropped when the format changes; a threshold-only change is lossless.
func applyFilePipeline(p *pipeline.Pipeline, newCfg *config.Config) {
	format, threshold := newCfg.Pipeline.Format(), newCfg.Pipeline.Threshold()
	if p.Settings().Format == format {
		if err := p.SetFillerThreshold(threshold); err != nil {
			slog.Error("file pipeline threshold change failed", "err", err)
		}
		return
	}
	if err := p.Reconfigure(format, threshold); err != nil {
		slog.Error("file pipeline reconfigure failed", "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, input string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      cleanstream, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transcriber", summaryValue(cfg.Transcriber.Name, cfg.Transcriber.Model))
	printRow("Fallbacks", fmt.Sprintf("%d", len(cfg.Transcriber.Fallbacks)))
	printRow("VAD", summaryValue(cfg.VAD.Name, ""))
	printRow("Format", cfg.Pipeline.Format().String())
	printRow("Window", fmt.Sprintf("%d ms / %d ms", cfg.Pipeline.WindowMs, cfg.Pipeline.OverlapMs))
	printRow("Threshold", fmt.Sprintf("%.2f", cfg.Pipeline.Threshold()))
	if cfg.Report.PostgresDSN != "" {
		printRow("Report store", "postgres")
	} else {
		printRow("Report store", "(disabled)")
	}
	if input != "" {
		printRow("Input", input)
	}
	if cfg.Server.MCP {
		printRow("MCP", mcp.Path)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

func summaryValue(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
