// Package openai provides an STT engine backed by the OpenAI audio
// transcription API.
//
// Windows are uploaded as WAV files. For models that support it
// (gpt-4o-transcribe, gpt-4o-mini-transcribe) token log-probabilities are
// requested and converted to probabilities; whisper-1 returns text only, so its
// results carry no tokens.
package openai

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/cleanstream/pkg/audio"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelGPT4oTranscribe

var _ stt.Provider = (*Provider)(nil)

// Provider creates OpenAI transcription engines. Safe for concurrent use.
type Provider struct {
	client   oai.Client
	model    oai.AudioModel
	language string
	prompt   string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	language     string
	prompt       string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithLanguage sets the default ISO-639-1 language hint.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithPrompt sets the default prompt. Defaults to [stt.DefaultFillerPrompt].
func WithPrompt(prompt string) Option {
	return func(c *config) {
		c.prompt = prompt
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcription Provider.
// If model is empty, DefaultModel (gpt-4o-transcribe) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: api key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{prompt: stt.DefaultFillerPrompt}
	for _, o := range opts {
		o(cfg)
	}

	// A late window is worthless; the pipeline retries with the next one.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
		prompt:   cfg.prompt,
	}, nil
}

// NewEngine fixes the request parameters for one pipeline. The engine
// language and prompt override the provider defaults.
func (p *Provider) NewEngine(ctx context.Context, cfg stt.EngineConfig) (stt.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai stt: %w", err)
	}
	tmpl := oai.AudioTranscriptionNewParams{
		Model:          p.model,
		ResponseFormat: oai.AudioResponseFormatJSON,
		Temperature:    oai.Float(0),
	}
	if lang := cmp.Or(cfg.Language, p.language); lang != "" {
		tmpl.Language = oai.String(lang)
	}
	if prompt := cmp.Or(cfg.InitialPrompt, p.prompt); prompt != "" {
		tmpl.Prompt = oai.String(prompt)
	}
	if supportsLogprobs(p.model) {
		tmpl.Include = []oai.TranscriptionInclude{oai.TranscriptionIncludeLogprobs}
	}
	return &engine{
		client:     p.client,
		tmpl:       tmpl,
		sampleRate: cmp.Or(cfg.SampleRate, audio.AnalysisSampleRate),
	}, nil
}

type engine struct {
	client     oai.Client
	tmpl       oai.AudioTranscriptionNewParams
	sampleRate int
	closed     atomic.Bool
}

func (e *engine) Transcribe(ctx context.Context, samples []float32) (stt.Result, error) {
	if e.closed.Load() {
		return stt.Result{}, errors.New("openai stt: engine closed")
	}
	params := e.tmpl
	params.File = oai.File(bytes.NewReader(audio.EncodeWAV(samples, e.sampleRate)), "window.wav", "audio/wav")

	resp, err := e.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, classify(err)
	}

	res := stt.Result{Text: resp.Text, Tokens: make([]stt.Token, 0, len(resp.Logprobs))}
	for _, lp := range resp.Logprobs {
		res.Tokens = append(res.Tokens, stt.Token{Text: lp.Token, Probability: math.Exp(lp.Logprob)})
	}
	return res, nil
}

func (e *engine) Close() error {
	e.closed.Store(true)
	return nil
}

var _ stt.Engine = (*engine)(nil)

// classify wraps err, marking rate limits, server errors and transport
// failures as transient.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("openai stt: transcribe: %w: %w", stt.ErrTransient, err)
		}
		return fmt.Errorf("openai stt: transcribe: %w", err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return fmt.Errorf("openai stt: transcribe: %w: %w", stt.ErrTransient, err)
}

// supportsLogprobs reports whether model returns token log-probabilities.
func supportsLogprobs(model oai.AudioModel) bool {
	return model != oai.AudioModelWhisper1
}
