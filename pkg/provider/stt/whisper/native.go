// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/MrWong99/cleanstream/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// maxDefaultThreads caps the default thread count for native inference.
const maxDefaultThreads = 8

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across all engines.
type NativeProvider struct {
	model         whisperlib.Model
	language      string
	initialPrompt string
	maxTokens     int
	threads       int
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription (e.g., "en",
// "de"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeInitialPrompt sets the default decoding prompt. Defaults to
// [stt.DefaultFillerPrompt].
func WithNativeInitialPrompt(prompt string) NativeOption {
	return func(p *NativeProvider) { p.initialPrompt = prompt }
}

// WithNativeMaxTokens sets the default per-segment token limit. Defaults to 3:
// fillers are short and a tight limit keeps inference well below real time.
func WithNativeMaxTokens(n int) NativeOption {
	return func(p *NativeProvider) { p.maxTokens = n }
}

// WithNativeThreads sets the default CPU thread count. Defaults to the number
// of CPUs, capped at 8.
func WithNativeThreads(n int) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The model is loaded once and shared across all
// engines. The caller must call Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:         model,
		language:      defaultLanguage,
		initialPrompt: stt.DefaultFillerPrompt,
		maxTokens:     defaultMaxTokens,
		threads:       min(runtime.NumCPU(), maxDefaultThreads),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed and after every engine has been closed.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// NewEngine creates an engine with its own whisper.cpp context. Zero fields of
// cfg fall back to the provider defaults.
func (p *NativeProvider) NewEngine(ctx context.Context, cfg stt.EngineConfig) (stt.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if cfg.SampleRate != 0 && cfg.SampleRate != whisperlib.SampleRate {
		return nil, fmt.Errorf("whisper: unsupported sample rate %d, want %d", cfg.SampleRate, whisperlib.SampleRate)
	}

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := cmp.Or(cfg.Language, p.language)
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = p.threads
	}
	wctx.SetThreads(uint(threads))
	if prompt := cmp.Or(cfg.InitialPrompt, p.initialPrompt); prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		wctx.SetMaxTokensPerSegment(uint(maxTokens))
	}

	return &nativeEngine{ctx: wctx}, nil
}

// ---- nativeEngine -----------------------------------------------------------

// nativeEngine runs inference on a dedicated whisper.cpp context. Calls are
// serialised by mu; Close may race with Transcribe.
type nativeEngine struct {
	mu     sync.Mutex
	ctx    whisperlib.Context
	closed bool
}

// Transcribe runs whisper.cpp on samples and collects every segment.
func (e *nativeEngine) Transcribe(ctx context.Context, samples []float32) (stt.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return stt.Result{}, errEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w: %w", stt.ErrTransient, err)
	}

	if err := e.ctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		res   stt.Result
		parts []string
		first = true
	)
	for {
		segment, err := e.ctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if first {
			res.SegmentStart = segment.Start
			first = false
		}
		res.SegmentEnd = segment.End
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
		for _, tok := range segment.Tokens {
			res.Tokens = append(res.Tokens, stt.Token{Text: tok.Text, Probability: float64(tok.P)})
		}
	}
	res.Text = strings.Join(parts, " ")
	return res, nil
}

// Close marks the engine unusable. The context's memory is owned by the
// bindings and released with the model.
func (e *nativeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Compile-time assertion that nativeEngine satisfies stt.Engine.
var _ stt.Engine = (*nativeEngine)(nil)
