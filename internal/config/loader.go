package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/cleanstream/pkg/audio"
)

// KnownProviders lists the provider names shipped with cleanstream. Other
// names are accepted with a warning so externally registered providers work.
var KnownProviders = map[string][]string{
	"stt": {"whisper-native", "whisper", "openai", "deepgram"},
	"vad": {"energy"},
}

// Window and overlap bounds in milliseconds.
const (
	minWindowMs  = 200
	maxWindowMs  = 10000
	minOverlapMs = 100
)

// envRef matches ${NAME} references. Bare $NAME is left alone so that
// passwords and URLs containing '$' survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and validates the YAML file at path. Errors wrap
// [os.ErrNotExist] when the file is missing.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, substitutes ${NAME} environment
// references, applies defaults and validates. Unknown keys and references to
// unset variables are errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw, err = expandEnv(raw)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnv(raw []byte) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := string(envRef.FindSubmatch(ref)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			if !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
			return ref
		}
		return []byte(v)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: unset environment variables %v", missing)
	}
	return out, nil
}

// Validate reports every problem in cfg as one joined error.
func Validate(cfg *Config) error {
	var errs []error
	errs = append(errs, cfg.Server.validate()...)
	errs = append(errs, cfg.Pipeline.validate()...)
	errs = append(errs, cfg.VAD.validate()...)
	errs = append(errs, cfg.Transcriber.validate()...)
	return errors.Join(errs...)
}

func (s ServerConfig) validate() []error {
	var errs []error
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if tls := s.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	return errs
}

func (p PipelineConfig) validate() []error {
	var errs []error
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d must be positive", p.SampleRate))
	}
	if p.Channels < 1 || p.Channels > audio.MaxChannels {
		errs = append(errs, fmt.Errorf("pipeline.channels %d is out of range [1, %d]", p.Channels, audio.MaxChannels))
	}
	if p.WindowMs < minWindowMs || p.WindowMs > maxWindowMs {
		errs = append(errs, fmt.Errorf("pipeline.window_ms %d is out of range [%d, %d]", p.WindowMs, minWindowMs, maxWindowMs))
	}
	if maxOverlap := p.WindowMs * 3 / 4; p.OverlapMs < minOverlapMs || p.OverlapMs > maxOverlap {
		errs = append(errs, fmt.Errorf("pipeline.overlap_ms %d is out of range [%d, %d]", p.OverlapMs, minOverlapMs, maxOverlap))
	}
	if th := p.Threshold(); th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("pipeline.filler_p_threshold %.3f is out of range [0, 1]", th))
	}
	if p.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("pipeline.poll_interval %s must not be negative", p.PollInterval))
	}
	return errs
}

func (v VADConfig) validate() []error {
	var errs []error
	if v.Threshold < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold %g must not be negative", v.Threshold))
	}
	if v.BoundaryFraction < 0 || v.BoundaryFraction > 1 {
		errs = append(errs, fmt.Errorf("vad.boundary_fraction %g is out of range (0, 1]", v.BoundaryFraction))
	}
	if v.BoundaryWindowMs < 0 {
		errs = append(errs, fmt.Errorf("vad.boundary_window_ms %d must not be negative", v.BoundaryWindowMs))
	}
	warnUnknown("vad", v.Name)
	return errs
}

func (t TranscriberConfig) validate() []error {
	var errs []error
	if t.Name == "" {
		errs = append(errs, errors.New("transcriber.name is required"))
	}
	warnUnknown("stt", t.Name)
	if t.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("transcriber.breaker.max_failures %d must not be negative", t.Breaker.MaxFailures))
	}
	if t.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcriber.breaker.reset_timeout %s must not be negative", t.Breaker.ResetTimeout))
	}

	// A fallback identical to another one would share nothing but still be
	// tried twice.
	seen := map[[3]string]int{}
	for i, fb := range t.Fallbacks {
		field := fmt.Sprintf("transcriber.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", field))
			continue
		}
		key := [3]string{fb.Name, fb.BaseURL, fb.Model}
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates transcriber.fallbacks[%d]", field, prev))
		}
		seen[key] = i
		warnUnknown("stt", fb.Name)
	}
	return errs
}

func warnUnknown(kind, name string) {
	if name == "" || slices.Contains(KnownProviders[kind], name) {
		return
	}
	slog.Warn("config: unknown provider name, it must be registered externally",
		"kind", kind, "name", name, "known", KnownProviders[kind])
}
