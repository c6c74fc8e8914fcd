package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeProvider fails a configurable number of times before succeeding.
// Safe for the concurrent calls EmbedBatch makes.
type fakeProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
	vec      []float32
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection refused")
	}
	return f.vec, nil
}

func (f *fakeProvider) Descriptor() Descriptor {
	return Descriptor{Model: "fake", Version: "v1"}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	fake := &fakeProvider{failures: 2, vec: []float32{1, 2, 3}}
	p := WithRetry(fake, RetryConfig{MaxAttempts: 3, Interval: time.Millisecond})

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vec = %v", vec)
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3", fake.calls)
	}
}

func TestRetryExhaustionReturnsUnavailable(t *testing.T) {
	fake := &fakeProvider{failures: 10}
	p := WithRetry(fake, RetryConfig{MaxAttempts: 3, Interval: time.Millisecond})

	_, err := p.Embed(context.Background(), "hello")
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Embed = %v, want UnavailableError", err)
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3 (bounded)", fake.calls)
	}
}

func TestRetryRespectsCallerCancellation(t *testing.T) {
	fake := &fakeProvider{failures: 10}
	p := WithRetry(fake, RetryConfig{MaxAttempts: 5, Interval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Embed(ctx, "hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Embed = %v, want context.Canceled", err)
	}
}

func TestDescriptorCompatible(t *testing.T) {
	a := Descriptor{Model: "nomic-embed-text", Version: "v1"}
	b := Descriptor{Model: "nomic-embed-text", Version: "v1"}
	c := Descriptor{Model: "nomic-embed-text", Version: "v2"}
	d := Descriptor{Model: "mxbai-embed-large", Version: "v1"}

	if !a.Compatible(b) {
		t.Error("identical descriptors incompatible")
	}
	if a.Compatible(c) {
		t.Error("version bump treated as compatible")
	}
	if a.Compatible(d) {
		t.Error("different model treated as compatible")
	}
}

// textFakeProvider embeds each text as a single-element vector derived
// from its length, failing on texts it is told to reject.
type textFakeProvider struct {
	reject map[string]bool
}

func (f *textFakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.reject[text] {
		return nil, errors.New("provider rejected " + text)
	}
	return []float32{float32(len(text))}, nil
}

func (f *textFakeProvider) Descriptor() Descriptor {
	return Descriptor{Model: "fake", Version: "v1"}
}

func TestEmbedBatchOrderPreserved(t *testing.T) {
	results := EmbedBatch(context.Background(), &textFakeProvider{}, []string{"a", "bb", "ccc"})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("results[%d].Err = %v", i, r.Err)
		}
		if len(r.Vector) != 1 || r.Vector[0] != float32(i+1) {
			t.Errorf("results[%d].Vector = %v, want [%d]", i, r.Vector, i+1)
		}
	}
}

func TestEmbedBatchIsolatesFailures(t *testing.T) {
	fake := &textFakeProvider{reject: map[string]bool{"bb": true}}
	results := EmbedBatch(context.Background(), fake, []string{"a", "bb", "ccc"})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[1].Err == nil {
		t.Error("rejected text produced no error")
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("neighbor errors: %v, %v", results[0].Err, results[2].Err)
	}
	if len(results[0].Vector) != 1 || len(results[2].Vector) != 1 {
		t.Errorf("neighbor vectors missing: %v, %v", results[0].Vector, results[2].Vector)
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	if results := EmbedBatch(context.Background(), &fakeProvider{}, nil); len(results) != 0 {
		t.Errorf("results = %v, want empty", results)
	}
}
