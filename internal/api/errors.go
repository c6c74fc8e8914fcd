package api

import (
	"errors"
	"net/http"

	"github.com/loomworks/loomkb/internal/consistency"
	"github.com/loomworks/loomkb/internal/embedding"
	"github.com/loomworks/loomkb/internal/graph"
	"github.com/loomworks/loomkb/internal/registry"
	"github.com/loomworks/loomkb/internal/retrieval"
	"github.com/loomworks/loomkb/internal/storage"
)

// Error codes surfaced to callers. Clients branch on these, so they are
// part of the API contract and never change meaning.
const (
	CodeMissingProjectID       = "missing_project_id"
	CodeUnknownProject         = "unknown_project"
	CodeNotFound               = "not_found"
	CodeFactConflict           = "fact_conflict"
	CodeCrossProject           = "cross_project"
	CodeAmbiguousQuery         = "ambiguous_query"
	CodeEmbeddingSpaceMismatch = "embedding_space_mismatch"
	CodeEmbeddingUnavailable   = "embedding_unavailable"
	CodeEmbeddingTimeout       = "embedding_timeout"
	CodeVersionConflict        = "version_conflict"
	CodeInvalidRequest         = "invalid_request"
	CodeInternal               = "api_error"
)

// errorCode maps a domain error onto an HTTP status and machine-checkable
// code. The detail map carries structured fields, like the conflicting
// rule id, that clients need beyond the message text.
func errorCode(err error) (status int, code string, detail map[string]any) {
	var missing *registry.MissingProjectIDError
	if errors.As(err, &missing) {
		return http.StatusBadRequest, CodeMissingProjectID, nil
	}
	if errors.Is(err, registry.ErrUnknownProject) {
		return http.StatusNotFound, CodeUnknownProject, nil
	}

	var conflict *consistency.Conflict
	if errors.As(err, &conflict) {
		return http.StatusConflict, CodeFactConflict, map[string]any{
			"rule_id": conflict.RuleID,
			"reason":  conflict.Reason,
		}
	}
	var cross *graph.CrossProjectError
	if errors.As(err, &cross) {
		return http.StatusBadRequest, CodeCrossProject, map[string]any{
			"entity_id":     cross.EntityID,
			"owner_project": cross.OwnerProject,
		}
	}

	var ambiguous *retrieval.AmbiguousQueryError
	if errors.As(err, &ambiguous) {
		return http.StatusBadRequest, CodeAmbiguousQuery, map[string]any{"hint": ambiguous.Hint}
	}
	var mismatch *retrieval.EmbeddingSpaceMismatchError
	if errors.As(err, &mismatch) {
		return http.StatusConflict, CodeEmbeddingSpaceMismatch, map[string]any{
			"active": mismatch.Active.String(),
		}
	}

	var timeout *embedding.TimeoutError
	if errors.As(err, &timeout) {
		return http.StatusGatewayTimeout, CodeEmbeddingTimeout, nil
	}
	var unavailable *embedding.UnavailableError
	if errors.As(err, &unavailable) {
		return http.StatusServiceUnavailable, CodeEmbeddingUnavailable, nil
	}

	if errors.Is(err, storage.ErrVersionConflict) {
		return http.StatusConflict, CodeVersionConflict, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound, CodeNotFound, nil
	}
	return http.StatusInternalServerError, CodeInternal, nil
}
