package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loomkb/internal/graph"
	"github.com/loomworks/loomkb/internal/ingest"
	"github.com/loomworks/loomkb/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB, PDFs arrive base64-encoded

// NewHTTPHandler returns the REST surface. It mirrors the MCP tools
// one-to-one; both delegate to the same pipeline, engine, and graph.
func NewHTTPHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Post("/ingest", handleIngest(deps))
	r.Post("/ingest/batch", handleIngestBatch(deps))
	r.Post("/search", handleSearch(deps))

	r.Get("/projects", handleListProjects(deps))
	r.Post("/projects", handleRegisterProject(deps))
	r.Delete("/projects/{id}", handlePurgeProject(deps))
	r.Post("/projects/{id}/reembed", handleReembed(deps))

	r.Post("/projects/{id}/entities", handleCreateEntity(deps))
	r.Get("/projects/{id}/entities/{entityID}", handleGetEntity(deps))
	r.Patch("/projects/{id}/entities/{entityID}", handleUpdateEntity(deps))
	r.Get("/projects/{id}/entities/{entityID}/history", handleEntityHistory(deps))
	r.Get("/projects/{id}/entities/{entityID}/neighbors", handleNeighbors(deps))
	r.Post("/projects/{id}/relationships", handleCreateRelationship(deps))
	r.Post("/projects/{id}/graph/query", handleQueryGraph(deps))

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthReport(r.Context(), deps))
	}
}

type ingestBody struct {
	ProjectID   string         `json:"project_id"`
	Content     string         `json:"content"`
	ContentType string         `json:"content_type"`
	Source      map[string]any `json:"source"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ingestBody
		if !decodeBody(w, r, &body) {
			return
		}
		res, err := deps.Pipeline.Ingest(r.Context(), ingest.Request{
			ProjectID:   body.ProjectID,
			Content:     body.Content,
			ContentType: body.ContentType,
			Source:      body.Source,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"item_id":         res.Item.ID,
			"project_created": res.ProjectCreated,
			"entities":        len(res.Entities),
			"relationships":   len(res.Relationships),
			"descriptor":      res.Item.EmbedModel + "@" + res.Item.EmbedVersion,
		})
	}
}

func handleIngestBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ProjectID string          `json:"project_id"`
			Contents  json.RawMessage `json:"contents"`
			Items     []batchItemSpec `json:"items"`
		}
		if !decodeBody(w, r, &body) {
			return
		}

		items := body.Items
		if len(body.Contents) > 0 {
			parsed, err := parseBatchContents(string(body.Contents))
			if err != nil {
				writeInvalid(w, err.Error())
				return
			}
			items = parsed
		}

		reqs := make([]ingest.Request, len(items))
		for i, item := range items {
			reqs[i] = ingest.Request{
				ProjectID:   body.ProjectID,
				Content:     item.Content,
				ContentType: item.ContentType,
				Source:      item.Source,
			}
		}
		results, err := deps.Pipeline.IngestBatch(r.Context(), reqs)
		if err != nil {
			writeError(w, err)
			return
		}

		out := make([]map[string]any, len(results))
		for i, res := range results {
			if res.Err != nil {
				_, code, _ := errorCode(res.Err)
				out[i] = map[string]any{"error": res.Err.Error(), "code": code}
				continue
			}
			out[i] = map[string]any{
				"item_id":       res.Result.Item.ID,
				"entities":      len(res.Result.Entities),
				"relationships": len(res.Result.Relationships),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ProjectID string `json:"project_id"`
			QueryText string `json:"query_text"`
			Query     string `json:"query"` // older field name, still honored
			Limit     int    `json:"limit"`
			Depth     int    `json:"depth"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		query := body.QueryText
		if query == "" {
			query = body.Query
		}
		resp, err := deps.Engine.Retrieve(r.Context(), body.ProjectID, query,
			deps.searchOptions(body.Limit, body.Depth))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListProjects(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projects, err := deps.Store.ListProjects()
		if err != nil {
			writeError(w, err)
			return
		}
		if projects == nil {
			projects = []storage.Project{}
		}
		writeJSON(w, http.StatusOK, projects)
	}
}

func handleRegisterProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ProjectID string         `json:"project_id"`
			Name      string         `json:"name"`
			Settings  map[string]any `json:"settings"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		p, err := deps.Registry.Register(body.ProjectID, body.Name, body.Settings)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func handlePurgeProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Registry.Purge(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
	}
}

func handleReembed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		if _, err := deps.Registry.Resolve("reembed_project", projectID); err != nil {
			writeError(w, err)
			return
		}
		jobID, err := ingest.EnqueueReembed(deps.Store, projectID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "queued"})
	}
}

func handleCreateEntity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		var body struct {
			Type       string         `json:"type"`
			Name       string         `json:"name"`
			Attributes map[string]any `json:"attributes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if _, err := deps.Registry.Resolve("create_entity", projectID); err != nil {
			writeError(w, err)
			return
		}
		e, err := deps.Graph.PutEntity(projectID, storage.EntityType(body.Type), body.Name, body.Attributes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, entityPayload(e))
	}
}

func handleGetEntity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Graph.GetEntity(chi.URLParam(r, "id"), chi.URLParam(r, "entityID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entityPayload(e))
	}
}

func handleUpdateEntity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Attributes map[string]any `json:"attributes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		e, err := deps.Graph.UpdateEntity(chi.URLParam(r, "id"), chi.URLParam(r, "entityID"), body.Attributes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entityPayload(e))
	}
}

func handleEntityHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		revs, err := deps.Graph.History(chi.URLParam(r, "id"), chi.URLParam(r, "entityID"))
		if err != nil {
			writeError(w, err)
			return
		}
		if revs == nil {
			revs = []storage.EntityRevision{}
		}
		writeJSON(w, http.StatusOK, revs)
	}
}

func handleNeighbors(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth := 0
		if s := r.URL.Query().Get("depth"); s != "" {
			fmt.Sscanf(s, "%d", &depth)
		}
		neighbors, err := deps.Graph.Neighbors(chi.URLParam(r, "id"), chi.URLParam(r, "entityID"), depth)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]map[string]any, len(neighbors))
		for i, n := range neighbors {
			out[i] = map[string]any{
				"entity": entityPayload(n.Entity),
				"edge":   relationshipPayload(n.Edge),
				"depth":  n.Depth,
				"path":   n.Path,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateRelationship(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		var body struct {
			FromID           string         `json:"from_id"`
			ToID             string         `json:"to_id"`
			RelationshipType string         `json:"relationship_type"`
			Type             string         `json:"type"` // older field name, still honored
			Properties       map[string]any `json:"properties"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		relType := body.RelationshipType
		if relType == "" {
			relType = body.Type
		}
		if _, err := deps.Registry.Resolve("create_relationship", projectID); err != nil {
			writeError(w, err)
			return
		}
		rel, err := deps.Graph.PutRelationship(projectID, body.FromID, body.ToID, relType, body.Properties)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, relationshipPayload(rel))
	}
}

func handleQueryGraph(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		var body struct {
			StructuredQuery *graphQuerySpec `json:"structured_query"`
			graphQuerySpec                  // flattened fields, still honored
		}
		if !decodeBody(w, r, &body) {
			return
		}
		spec := body.graphQuerySpec
		if body.StructuredQuery != nil {
			spec = *body.StructuredQuery
		}
		if _, err := deps.Registry.Resolve("query_graph", projectID); err != nil {
			writeError(w, err)
			return
		}
		res, err := deps.Graph.RunQuery(projectID, graph.Query{
			EntityType:   storage.EntityType(spec.EntityType),
			NameContains: spec.NameContains,
			RelationType: spec.RelationType,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		entities := make([]map[string]any, len(res.Entities))
		for i, e := range res.Entities {
			entities[i] = entityPayload(e)
		}
		rels := make([]map[string]any, len(res.Relationships))
		for i, rel := range res.Relationships {
			rels[i] = relationshipPayload(rel)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "relationships": rels})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeInvalid(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeInvalid(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"code":    CodeInvalidRequest,
			"message": msg,
		},
	})
}

func writeError(w http.ResponseWriter, err error) {
	status, code, detail := errorCode(err)
	payload := map[string]any{"code": code, "message": err.Error()}
	for k, v := range detail {
		payload[k] = v
	}
	writeJSON(w, status, map[string]any{"error": payload})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
