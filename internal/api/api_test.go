package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/loomworks/loomkb/internal/consistency"
	"github.com/loomworks/loomkb/internal/embedding"
	"github.com/loomworks/loomkb/internal/graph"
	"github.com/loomworks/loomkb/internal/ingest"
	"github.com/loomworks/loomkb/internal/registry"
	"github.com/loomworks/loomkb/internal/retrieval"
	"github.com/loomworks/loomkb/internal/semindex"
	"github.com/loomworks/loomkb/internal/storage"
)

// fakeProvider is deterministic and always reachable.
type fakeProvider struct{}

func (fakeProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 16)
	for i, r := range text {
		vec[i%16] += float32(r) / 500
	}
	return vec, nil
}

func (fakeProvider) Descriptor() embedding.Descriptor {
	return embedding.Descriptor{Model: "fake-embed", Version: "v1"}
}

func (fakeProvider) Healthy(context.Context) bool { return true }

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	provider := fakeProvider{}
	reg := registry.New(s, true)
	ix := semindex.New(s.DB())
	g := graph.New(s, consistency.Default())
	return Deps{
		Registry: reg,
		Pipeline: ingest.New(reg, provider, ix, g, s, nil),
		Engine:   retrieval.New(reg, provider, ix, g, s, nil),
		Graph:    g,
		Store:    s,
		Index:    ix,
		Provider: provider,
	}
}

// decodeErrorPayload parses the structured error emitted by both surfaces.
func decodeErrorPayload(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("parsing error payload %q: %v", raw, err)
	}
	if inner, ok := payload["error"].(map[string]any); ok {
		return inner
	}
	return payload
}
