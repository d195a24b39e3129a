package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/cleanstream/pkg/provider/stt"
	sttmock "github.com/MrWong99/cleanstream/pkg/provider/stt/mock"
)

var engineCfg = stt.EngineConfig{SampleRate: 16000, Language: "en", MaxTokens: 3}

func TestSTTFallback_NewEngine_PrimarySuccess(t *testing.T) {
	primaryEngine := &sttmock.Engine{Result: stt.Result{Text: "primary"}}
	primary := &sttmock.Provider{Engine: primaryEngine}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	eng, err := fb.NewEngine(context.Background(), engineCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng != primaryEngine {
		t.Fatal("engine was not created by the primary provider")
	}
	if len(primary.NewEngineCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.NewEngineCalls))
	}
	if got := primary.NewEngineCalls[0].Cfg; got != engineCfg {
		t.Errorf("cfg = %+v, want %+v", got, engineCfg)
	}
	if len(secondary.NewEngineCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.NewEngineCalls))
	}
}

func TestSTTFallback_NewEngine_Failover(t *testing.T) {
	primary := &sttmock.Provider{NewEngineErr: errors.New("model not found")}
	secondaryEngine := &sttmock.Engine{}
	secondary := &sttmock.Provider{Engine: secondaryEngine}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	eng, err := fb.NewEngine(context.Background(), engineCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng != secondaryEngine {
		t.Fatal("engine was not created by the secondary provider")
	}
	if len(secondary.NewEngineCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.NewEngineCalls))
	}
}

func TestSTTFallback_NewEngine_AllFail(t *testing.T) {
	primary := &sttmock.Provider{NewEngineErr: errors.New("primary down")}
	secondary := &sttmock.Provider{NewEngineErr: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.NewEngine(context.Background(), engineCfg)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_SkipsOpenPrimary(t *testing.T) {
	primary := &sttmock.Provider{NewEngineErr: errors.New("primary down")}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	for range 3 {
		if _, err := fb.NewEngine(context.Background(), engineCfg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(primary.NewEngineCalls) != 1 {
		t.Errorf("primary called %d times, want 1 (breaker should open)", len(primary.NewEngineCalls))
	}
	if len(secondary.NewEngineCalls) != 3 {
		t.Errorf("secondary called %d times, want 3", len(secondary.NewEngineCalls))
	}
}

func TestSTTFallback_ActiveTracksServingBackend(t *testing.T) {
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "provider/whisper", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("provider/openai", secondary)

	if fb.Active() != "" {
		t.Errorf("Active before first engine = %q, want empty", fb.Active())
	}
	if got := fb.Backends(); len(got) != 2 || got[0] != "provider/whisper" {
		t.Errorf("Backends = %v", got)
	}
	if _, err := fb.NewEngine(context.Background(), engineCfg); err != nil {
		t.Fatal(err)
	}
	if fb.Active() != "provider/whisper" {
		t.Errorf("Active = %q, want provider/whisper", fb.Active())
	}

	primary.NewEngineErr = errors.New("model unloaded")
	if _, err := fb.NewEngine(context.Background(), engineCfg); err != nil {
		t.Fatal(err)
	}
	if fb.Active() != "provider/openai" {
		t.Errorf("Active = %q, want provider/openai", fb.Active())
	}
}
