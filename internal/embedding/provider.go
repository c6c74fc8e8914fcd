// Package embedding abstracts the external embedding generator and
// tracks which model produced each vector.
package embedding

import (
	"context"
	"fmt"
)

// Descriptor identifies the embedding model and version that produced a
// vector. Items keep the descriptor they were embedded with; vectors
// from different descriptors are never compared.
type Descriptor struct {
	Model   string `json:"model"`
	Version string `json:"version"`
}

// Compatible reports whether vectors produced under d share a vector
// space with vectors produced under other.
func (d Descriptor) Compatible(other Descriptor) bool {
	return d.Model == other.Model && d.Version == other.Version
}

func (d Descriptor) String() string {
	return d.Model + "@" + d.Version
}

// Provider generates embedding vectors.
type Provider interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Descriptor identifies the model behind this provider.
	Descriptor() Descriptor
}

// HealthChecker is implemented by providers that can report reachability.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// UnavailableError wraps a provider failure that survived retries.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("embedding provider unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// TimeoutError wraps a provider call that exceeded its deadline.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("embedding call timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
