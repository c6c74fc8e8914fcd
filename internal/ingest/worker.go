package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loomkb/internal/embedding"
	"github.com/loomworks/loomkb/internal/semindex"
	"github.com/loomworks/loomkb/internal/storage"
)

// JobReembed re-embeds every item in a project with the active
// provider and rewrites the stored descriptors alongside the vectors.
// Items never change embedding space in place; this job is the only
// path that moves them.
const JobReembed = "reembed"

// Worker processes reembed jobs from the SQLite job queue.
type Worker struct {
	store    *storage.Store
	provider embedding.Provider
	index    *semindex.Index
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store *storage.Store, provider embedding.Provider, ix *semindex.Index, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		provider: provider,
		index:    ix,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// EnqueueReembed schedules a re-embed of the whole project.
func EnqueueReembed(store *storage.Store, projectID string) (string, error) {
	payload, err := json.Marshal(reembedPayload{ProjectID: projectID})
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobReembed,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing reembed: %w", err)
	}
	return job.ID, nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single reembed job. Returns true if a
// job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobReembed})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type reembedPayload struct {
	ProjectID string `json:"project_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload reembedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	total, err := w.store.CountKnowledgeItems(payload.ProjectID)
	if err != nil {
		return fmt.Errorf("counting items: %w", err)
	}
	items, err := w.store.ListKnowledgeItems(payload.ProjectID, total)
	if err != nil {
		return fmt.Errorf("listing items for %s: %w", payload.ProjectID, err)
	}

	desc := w.provider.Descriptor()
	for _, item := range items {
		if item.EmbedModel == desc.Model && item.EmbedVersion == desc.Version {
			continue
		}
		vec, err := w.provider.Embed(ctx, item.Content)
		if err != nil {
			return fmt.Errorf("re-embedding item %s: %w", item.ID, err)
		}
		if err := w.index.Upsert(semindex.Record{
			ItemID:     item.ID,
			ProjectID:  item.ProjectID,
			Embedding:  vec,
			Descriptor: desc,
			CreatedAt:  item.CreatedAt,
		}); err != nil {
			return err
		}
		if err := w.store.UpdateItemDescriptor(item.ID, item.ProjectID, desc.Model, desc.Version); err != nil {
			return fmt.Errorf("updating descriptor for %s: %w", item.ID, err)
		}
	}

	w.logger.Info("project re-embedded", "project", payload.ProjectID, "items", len(items), "descriptor", desc.String())
	return nil
}
