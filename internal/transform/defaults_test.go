package transform

import (
	"testing"

	"github.com/forge-run/forge/internal/agentctx"
)

func TestRegisterDefaultsRoutesKnownFamilies(t *testing.T) {
	s := NewSelector()
	if err := RegisterDefaults(s); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}

	for _, provider := range []string{"anthropic", "openai", "openrouter", "ollama", "zen"} {
		pipeline := s.Select(provider, "any-model")
		if pipeline == nil {
			t.Fatalf("provider %q: got nil pipeline", provider)
		}
		ctx := agentctx.New()
		if out := pipeline(ctx); out == nil {
			t.Fatalf("provider %q: pipeline returned nil context", provider)
		}
	}
}

func TestRegisterDefaultsFallsBackToIdentityForUnknownProvider(t *testing.T) {
	s := NewSelector()
	if err := RegisterDefaults(s); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}

	ctx := agentctx.New().WithSystem("hello")
	out := s.Select("some-unregistered-provider", "whatever")(ctx)
	if out != ctx {
		t.Fatalf("expected identity transform for an unregistered provider")
	}
}
