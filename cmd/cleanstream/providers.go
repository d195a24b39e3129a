package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cleanstream/internal/config"
	"github.com/MrWong99/cleanstream/internal/observe"
	"github.com/MrWong99/cleanstream/internal/resilience"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
	"github.com/MrWong99/cleanstream/pkg/provider/stt/deepgram"
	"github.com/MrWong99/cleanstream/pkg/provider/stt/openai"
	"github.com/MrWong99/cleanstream/pkg/provider/stt/whisper"
	"github.com/MrWong99/cleanstream/pkg/provider/vad"
	"github.com/MrWong99/cleanstream/pkg/provider/vad/energy"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Language != "" {
			opts = append(opts, openai.WithLanguage(entry.Language))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if p := optString(entry.Options, "initial_prompt"); p != "" {
			opts = append(opts, openai.WithPrompt(p))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil && d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// whisper talks to a whisper.cpp HTTP server; BaseURL is the server address.
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		if p := optString(entry.Options, "initial_prompt"); p != "" {
			opts = append(opts, whisper.WithInitialPrompt(p))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// whisper-native loads a ggml model in-process; Model is the file path.
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		if p := optString(entry.Options, "initial_prompt"); p != "" {
			opts = append(opts, whisper.WithNativeInitialPrompt(p))
		}
		if n := optInt(entry.Options, "max_tokens"); n > 0 {
			opts = append(opts, whisper.WithNativeMaxTokens(n))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(n))
		}
		return whisper.NewNative(entry.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.Engine{}, nil
	})
}

// transcriber is the assembled transcription stack: the primary provider,
// its fallbacks and a breaker around every engine.
type transcriber struct {
	stt.Provider
	name string
	// backends lists the providers in the order they are tried.
	backends []string
	closers  []io.Closer
}

// Close releases providers that hold resources (loaded models).
func (t *transcriber) Close() error {
	var firstErr error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildTranscriber instantiates the configured primary provider and any
// fallbacks, then wraps the result in a circuit breaker per engine.
func buildTranscriber(cfg *config.Config, reg *config.Registry, board *breakerBoard) (*transcriber, error) {
	tc := cfg.Transcriber
	t := &transcriber{name: tc.Name, backends: []string{"provider/" + tc.Name}}

	primary, err := reg.CreateSTT(tc.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("transcriber %q: %w", tc.Name, err)
	}
	t.track(primary)
	var p stt.Provider = primary

	if len(tc.Fallbacks) > 0 {
		fbCfg := resilience.FallbackConfig{CircuitBreaker: tc.Breaker.CircuitBreaker("")}
		fbCfg.CircuitBreaker.OnStateChange = board.observe
		fb := resilience.NewSTTFallback(primary, "provider/"+tc.Name, fbCfg)
		for _, entry := range tc.Fallbacks {
			fp, err := reg.CreateSTT(entry)
			if err != nil {
				t.Close()
				return nil, fmt.Errorf("fallback transcriber %q: %w", entry.Name, err)
			}
			t.track(fp)
			fb.AddFallback("provider/"+entry.Name, fp)
		}
		t.backends = fb.Backends()
		p = fb
	}

	bc := tc.Breaker.CircuitBreaker("engine/" + tc.Name)
	bc.OnStateChange = board.observe
	t.Provider = resilience.NewGuardedProvider(p, bc)
	return t, nil
}

func (t *transcriber) track(p stt.Provider) {
	if c, ok := p.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
}

// buildDetector creates the configured VAD engine and a detector from it.
func buildDetector(cfg *config.Config, reg *config.Registry) (vad.Detector, error) {
	engine, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("vad %q: %w", cfg.VAD.Name, err)
	}
	d, err := engine.NewDetector(cfg.VAD.Detector())
	if err != nil {
		return nil, fmt.Errorf("vad %q: %w", cfg.VAD.Name, err)
	}
	return d, nil
}

// ── Breaker tracking ──────────────────────────────────────────────────────────

// breakerBoard records the last known state of every named breaker for
// readiness checks and metrics. Engines of concurrent streams share names, so
// the board counts open breakers per name.
type breakerBoard struct {
	metrics *observe.Metrics

	mu   sync.Mutex
	open map[string]int
}

func newBreakerBoard(m *observe.Metrics) *breakerBoard {
	return &breakerBoard{metrics: m, open: make(map[string]int)}
}

func (b *breakerBoard) observe(name string, from, to resilience.State) {
	b.mu.Lock()
	switch {
	case to == resilience.StateOpen:
		b.open[name]++
	case from == resilience.StateOpen && b.open[name] > 0:
		b.open[name]--
	}
	b.mu.Unlock()

	slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
	if b.metrics != nil {
		b.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}
}

// state reports StateOpen while any tracked breaker is open.
func (b *breakerBoard) state() resilience.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.open {
		if n > 0 {
			return resilience.StateOpen
		}
	}
	return resilience.StateClosed
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
