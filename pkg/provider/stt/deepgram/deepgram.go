// Package deepgram transcribes windows with the Deepgram pre-recorded REST
// API. Each window is uploaded as a WAV file with filler_words enabled, so
// "uh" and "um" come back as words, and per-word confidences become token
// probabilities.
package deepgram

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cleanstream/pkg/audio"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultTimeout  = 15 * time.Second

	// maxBoostTerms caps how many prompt words are sent as keyterms.
	maxBoostTerms = 20
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3" or "nova-2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default recognition language. A language in the
// engine config takes precedence; when both are empty Deepgram detects it.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithBaseURL points the provider at a self-hosted or test endpoint.
func WithBaseURL(endpoint string) Option {
	return func(p *Provider) { p.rawEndpoint = endpoint }
}

// WithHTTPClient replaces the default client, which has a 15s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider creates Deepgram engines. Safe for concurrent use.
type Provider struct {
	apiKey      string
	model       string
	language    string
	rawEndpoint string
	endpoint    *url.URL
	client      *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		rawEndpoint: defaultEndpoint,
		client:      &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	u, err := url.Parse(p.rawEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("deepgram: invalid endpoint %q", p.rawEndpoint)
	}
	p.endpoint = u
	return p, nil
}

// NewEngine binds the recognition parameters of cfg into a request URL. No
// request is made until the first Transcribe.
func (p *Provider) NewEngine(ctx context.Context, cfg stt.EngineConfig) (stt.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	return &engine{
		p:          p,
		url:        p.listenURL(cfg),
		sampleRate: cmp.Or(cfg.SampleRate, audio.AnalysisSampleRate),
	}, nil
}

func (p *Provider) listenURL(cfg stt.EngineConfig) string {
	u := *p.endpoint
	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("filler_words", "true")
	if lang := cmp.Or(cfg.Language, p.language); lang != "" {
		q.Set("language", lang)
	} else {
		q.Set("detect_language", "true")
	}

	// nova-3 takes plain keyterms; older models take boosted keywords.
	for _, term := range boostTerms(cfg.InitialPrompt) {
		if strings.HasPrefix(p.model, "nova-3") {
			q.Add("keyterm", term)
		} else {
			q.Add("keywords", term+":2")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// boostTerms splits a comma separated prompt into distinct lower-case words.
func boostTerms(prompt string) []string {
	var terms []string
	seen := map[string]bool{}
	for _, f := range strings.Split(prompt, ",") {
		t := strings.ToLower(strings.TrimSpace(f))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
		if len(terms) == maxBoostTerms {
			break
		}
	}
	return terms
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
				Words      []word `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

type word struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
}

type engine struct {
	p          *Provider
	url        string
	sampleRate int
	closed     atomic.Bool
}

func (e *engine) Transcribe(ctx context.Context, samples []float32) (stt.Result, error) {
	if e.closed.Load() {
		return stt.Result{}, errors.New("deepgram: engine closed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url,
		bytes.NewReader(audio.EncodeWAV(samples, e.sampleRate)))
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: %w", err)
	}
	req.Header.Set("Authorization", "Token "+e.p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := e.p.client.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: %w: %w", stt.ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return stt.Result{}, err
	}
	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: decode response: %w: %w", stt.ErrTransient, err)
	}
	return lr.result(), nil
}

// statusError maps a non-200 response to an error. Rate limiting and server
// errors are transient; anything else (bad key, exhausted balance) is fatal.
func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		if after := resp.Header.Get("Retry-After"); after != "" {
			return fmt.Errorf("deepgram: HTTP %d, retry after %ss: %w", resp.StatusCode, after, stt.ErrTransient)
		}
		return fmt.Errorf("deepgram: HTTP %d: %w", resp.StatusCode, stt.ErrTransient)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("deepgram: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}

func (lr listenResponse) result() stt.Result {
	if len(lr.Results.Channels) == 0 || len(lr.Results.Channels[0].Alternatives) == 0 {
		return stt.Result{}
	}
	alt := lr.Results.Channels[0].Alternatives[0]
	res := stt.Result{Text: alt.Transcript, Tokens: make([]stt.Token, 0, len(alt.Words))}
	for _, w := range alt.Words {
		res.Tokens = append(res.Tokens, stt.Token{
			Text:        cmp.Or(w.PunctuatedWord, w.Word),
			Probability: w.Confidence,
		})
	}
	if n := len(alt.Words); n > 0 {
		res.SegmentStart = seconds(alt.Words[0].Start)
		res.SegmentEnd = seconds(alt.Words[n-1].End)
	}
	return res
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func (e *engine) Close() error {
	e.closed.Store(true)
	return nil
}
