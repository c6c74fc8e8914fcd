package embedding

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// batchConcurrency bounds concurrent provider calls during a batch.
const batchConcurrency = 4

// BatchResult holds one text's embedding or the error that produced
// neither. Exactly one of Vector and Err is set.
type BatchResult struct {
	Vector []float32
	Err    error
}

// EmbedBatch embeds multiple texts concurrently with bounded fan-out.
// Texts fail independently: one provider error never aborts its
// neighbors. The returned slice matches the input order.
func EmbedBatch(ctx context.Context, provider Provider, texts []string) []BatchResult {
	results := make([]BatchResult, len(texts))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := provider.Embed(ctx, text)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Vector = vec
			return nil
		})
	}

	g.Wait()
	return results
}
