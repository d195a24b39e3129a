// Package whisper provides whisper.cpp-backed STT engines.
//
// Two providers are available. NativeProvider (native.go) links whisper.cpp
// through its CGO bindings and runs inference in-process. Provider talks to a
// running whisper-server binary, which exposes a REST API at POST /inference;
// each window is uploaded as a WAV file and the verbose JSON response is mapped
// to token probabilities.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	eng, err := p.NewEngine(ctx, stt.EngineConfig{SampleRate: 16000})
//	res, err := eng.Transcribe(ctx, window)
package whisper

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cleanstream/pkg/audio"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = audio.AnalysisSampleRate
	defaultMaxTokens  = 3
	defaultTimeout    = 30 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// errEngineClosed is returned by Transcribe after Close.
var errEngineClosed = errors.New("whisper: engine is closed")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with. This is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithInitialPrompt sets the default prompt sent with every request. Defaults
// to [stt.DefaultFillerPrompt].
func WithInitialPrompt(prompt string) Option {
	return func(p *Provider) {
		p.initialPrompt = prompt
	}
}

// WithHTTPClient replaces the HTTP client. Defaults to a client with a 30 s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Engines share the provider's HTTP client.
type Provider struct {
	serverURL     string
	model         string
	language      string
	initialPrompt string
	httpClient    *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
// Functional options may be provided to override defaults.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:     strings.TrimRight(serverURL, "/"),
		language:      defaultLanguage,
		initialPrompt: stt.DefaultFillerPrompt,
		httpClient:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewEngine fixes the form fields for one pipeline. It performs no network
// I/O.
func (p *Provider) NewEngine(ctx context.Context, cfg stt.EngineConfig) (stt.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"temperature":     "0.0",
		"language":        cmp.Or(cfg.Language, p.language),
		"prompt":          cmp.Or(cfg.InitialPrompt, p.initialPrompt),
		"model":           p.model,
	}
	for k, v := range fields {
		if v == "" {
			delete(fields, k)
		}
	}
	return &httpEngine{
		endpoint:   p.serverURL + "/inference",
		fields:     fields,
		sampleRate: cmp.Or(cfg.SampleRate, defaultSampleRate),
		client:     p.httpClient,
	}, nil
}

type httpEngine struct {
	endpoint   string
	fields     map[string]string
	sampleRate int
	client     *http.Client
	closed     atomic.Bool
}

// verboseResponse is the part of whisper-server's verbose_json output that
// carries timing and confidence.
type verboseResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text       string  `json:"text"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		AvgLogprob float64 `json:"avg_logprob"`
		Words      []struct {
			Word        string  `json:"word"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

// Transcribe POSTs samples as a WAV form upload to /inference. Transport
// failures, 429 and 5xx are transient.
func (e *httpEngine) Transcribe(ctx context.Context, samples []float32) (stt.Result, error) {
	if e.closed.Load() {
		return stt.Result{}, errEngineClosed
	}

	body, contentType, err := e.form(samples)
	if err != nil {
		return stt.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w: %w", stt.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d: %w", resp.StatusCode, stt.ErrTransient)
	case resp.StatusCode != http.StatusOK:
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var vr verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: decode response: %w", err)
	}
	return vr.result(), nil
}

func (e *httpEngine) form(samples []float32) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "window.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(samples, e.sampleRate)); err != nil {
		return nil, "", fmt.Errorf("whisper: form file: %w", err)
	}
	for k, v := range e.fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("whisper: field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close form: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// result maps the response to token probabilities. Segments that carry no
// words contribute one token with probability exp(avg_logprob).
func (vr verboseResponse) result() stt.Result {
	res := stt.Result{Text: strings.TrimSpace(vr.Text)}
	parts := make([]string, 0, len(vr.Segments))
	for i, seg := range vr.Segments {
		if i == 0 {
			res.SegmentStart = seconds(seg.Start)
		}
		res.SegmentEnd = seconds(seg.End)
		text := strings.TrimSpace(seg.Text)
		parts = append(parts, text)

		if len(seg.Words) == 0 {
			res.Tokens = append(res.Tokens, stt.Token{Text: text, Probability: math.Exp(seg.AvgLogprob)})
			continue
		}
		for _, w := range seg.Words {
			res.Tokens = append(res.Tokens, stt.Token{Text: w.Word, Probability: w.Probability})
		}
	}
	if res.Text == "" {
		res.Text = strings.Join(parts, " ")
	}
	return res
}

func (e *httpEngine) Close() error {
	e.closed.Store(true)
	return nil
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

var _ stt.Engine = (*httpEngine)(nil)
