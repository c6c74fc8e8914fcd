package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loomkb/internal/embedding"
	"github.com/loomworks/loomkb/internal/graph"
	"github.com/loomworks/loomkb/internal/ingest"
	"github.com/loomworks/loomkb/internal/registry"
	"github.com/loomworks/loomkb/internal/retrieval"
	"github.com/loomworks/loomkb/internal/semindex"
	"github.com/loomworks/loomkb/internal/storage"
)

// Version is stamped into health reports.
const Version = "1.0.0"

// Deps holds everything the API surfaces need. The same struct backs
// both the MCP server and the HTTP handler so the two surfaces cannot
// drift apart.
type Deps struct {
	Registry *registry.Registry
	Pipeline *ingest.Pipeline
	Engine   *retrieval.Engine
	Graph    *graph.Store
	Store    *storage.Store
	Index    *semindex.Index
	Provider embedding.Provider

	// Defaults seed retrieval options when a request leaves them unset.
	Defaults retrieval.Options
}

// searchOptions overlays per-request values on the configured defaults.
func (d Deps) searchOptions(limit, depth int) retrieval.Options {
	opts := d.Defaults
	if limit > 0 {
		opts.K = limit
	}
	if depth > 0 {
		opts.Depth = depth
	}
	return opts
}

// NewMCPServer creates an MCP server with all knowledge-base tools
// registered. Every tool takes an explicit project_id; there is no
// default project.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"loomkb",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("loomkb — project-isolated knowledge base combining a narrative graph with semantic retrieval."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("embed_and_store",
			mcp.WithDescription("Ingest content into a project: embed it, extract entities and relationships, and commit everything atomically."),
			mcp.WithString("project_id", mcp.Description("Project to store into"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The content to ingest"), mcp.Required()),
			mcp.WithString("content_type", mcp.Description("One of text, image, pdf (base64), url; defaults to text")),
			mcp.WithString("source", mcp.Description("Optional JSON object of source metadata")),
		),
		mcpEmbedAndStore(deps),
	)

	s.AddTool(
		mcp.NewTool("batch_embed_and_store",
			mcp.WithDescription("Ingest multiple contents in one call. Embeddings run concurrently; each item commits or fails independently, same as single calls."),
			mcp.WithString("project_id", mcp.Description("Project to store into"), mcp.Required()),
			mcp.WithArray("contents", mcp.Description("Content items: plain strings or {content, content_type, source} objects"), mcp.Required()),
		),
		mcpBatchEmbedAndStore(deps),
	)

	s.AddTool(
		mcp.NewTool("search_by_text",
			mcp.WithDescription("Hybrid search: vector similarity plus graph connectivity, with per-result evidence."),
			mcp.WithString("project_id", mcp.Description("Project to search"), mcp.Required()),
			mcp.WithString("query_text", mcp.Description("What to look for"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum results (default 10)")),
			mcp.WithNumber("depth", mcp.Description("Graph expansion depth (default 1)")),
		),
		mcpSearchByText(deps),
	)

	s.AddTool(
		mcp.NewTool("create_entity",
			mcp.WithDescription("Create an entity, or merge attributes into the existing entity with the same type and name."),
			mcp.WithString("project_id", mcp.Description("Project the entity belongs to"), mcp.Required()),
			mcp.WithString("type", mcp.Description("Entity type: character, location, artifact, scene, faction, event"), mcp.Required()),
			mcp.WithString("name", mcp.Description("Entity name, unique per type within the project"), mcp.Required()),
			mcp.WithString("attributes", mcp.Description("JSON object of attributes")),
		),
		mcpCreateEntity(deps),
	)

	s.AddTool(
		mcp.NewTool("update_entity",
			mcp.WithDescription("Merge attributes into an entity by id. The prior state is kept in version history. Changes contradicting established facts are rejected."),
			mcp.WithString("project_id", mcp.Description("Project the entity belongs to"), mcp.Required()),
			mcp.WithString("entity_id", mcp.Description("Entity id"), mcp.Required()),
			mcp.WithString("attributes", mcp.Description("JSON object of attributes to merge"), mcp.Required()),
		),
		mcpUpdateEntity(deps),
	)

	s.AddTool(
		mcp.NewTool("create_relationship",
			mcp.WithDescription("Create a directed, typed relationship between two entities of the same project. Conflicting facts are rejected with the violated rule."),
			mcp.WithString("project_id", mcp.Description("Project both entities belong to"), mcp.Required()),
			mcp.WithString("from_id", mcp.Description("Source entity id"), mcp.Required()),
			mcp.WithString("to_id", mcp.Description("Target entity id"), mcp.Required()),
			mcp.WithString("relationship_type", mcp.Description("Relationship type, e.g. killed_by, married_to, lives_in"), mcp.Required()),
			mcp.WithString("properties", mcp.Description("JSON object of edge properties")),
		),
		mcpCreateRelationship(deps),
	)

	s.AddTool(
		mcp.NewTool("query_graph",
			mcp.WithDescription("Run a structured query over the project graph, filtering entities and relationships."),
			mcp.WithString("project_id", mcp.Description("Project to query"), mcp.Required()),
			mcp.WithObject("structured_query", mcp.Description("Filters: {entity_type, name_contains, relation_type}")),
		),
		mcpQueryGraph(deps),
	)

	s.AddTool(
		mcp.NewTool("get_neighbors",
			mcp.WithDescription("Walk relationships from an entity and return each reached entity with its traversal path."),
			mcp.WithString("project_id", mcp.Description("Project the entity belongs to"), mcp.Required()),
			mcp.WithString("entity_id", mcp.Description("Entity to start from"), mcp.Required()),
			mcp.WithNumber("depth", mcp.Description("Traversal depth (default 1, max 5)")),
		),
		mcpGetNeighbors(deps),
	)

	s.AddTool(
		mcp.NewTool("reembed_project",
			mcp.WithDescription("Queue a background re-embed of every item in the project with the active embedding model. Needed after a model change before the project can be searched again."),
			mcp.WithString("project_id", mcp.Description("Project to re-embed"), mcp.Required()),
		),
		mcpReembedProject(deps),
	)

	s.AddTool(
		mcp.NewTool("health_check",
			mcp.WithDescription("Report service health: database, embedding provider, and active embedding descriptor."),
		),
		mcpHealthCheck(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"loomkb://projects",
			"Projects",
			mcp.WithResourceDescription("All registered projects as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProjects(deps),
	)

	return s
}

func mcpEmbedAndStore(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpFailure(&registry.MissingProjectIDError{Op: "embed_and_store"}), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpInvalid("content is required"), nil
		}
		source, ok := parseJSONObject(req.GetString("source", ""))
		if !ok {
			return mcpInvalid("source must be a JSON object"), nil
		}

		res, err := deps.Pipeline.Ingest(ctx, ingest.Request{
			ProjectID:   projectID,
			Content:     content,
			ContentType: req.GetString("content_type", ""),
			Source:      source,
		})
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(map[string]any{
			"item_id":         res.Item.ID,
			"project_created": res.ProjectCreated,
			"entities":        len(res.Entities),
			"relationships":   len(res.Relationships),
			"descriptor":      res.Item.EmbedModel + "@" + res.Item.EmbedVersion,
		}), nil
	}
}

func mcpBatchEmbedAndStore(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpFailure(&registry.MissingProjectIDError{Op: "batch_embed_and_store"}), nil
		}
		raw, ok := req.GetArguments()["contents"]
		if !ok {
			raw, ok = req.GetArguments()["items"]
		}
		if !ok {
			return mcpInvalid("contents is required"), nil
		}
		items, err := parseBatchContents(raw)
		if err != nil {
			return mcpInvalid(err.Error()), nil
		}

		reqs := make([]ingest.Request, len(items))
		for i, item := range items {
			reqs[i] = ingest.Request{
				ProjectID:   projectID,
				Content:     item.Content,
				ContentType: item.ContentType,
				Source:      item.Source,
			}
		}
		results, err := deps.Pipeline.IngestBatch(ctx, reqs)
		if err != nil {
			return mcpFailure(err), nil
		}

		out := make([]map[string]any, len(results))
		for i, r := range results {
			if r.Err != nil {
				_, code, _ := errorCode(r.Err)
				out[i] = map[string]any{"error": r.Err.Error(), "code": code}
				continue
			}
			out[i] = map[string]any{
				"item_id":       r.Result.Item.ID,
				"entities":      len(r.Result.Entities),
				"relationships": len(r.Result.Relationships),
			}
		}
		return mcpJSON(out), nil
	}
}

func mcpSearchByText(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpFailure(&registry.MissingProjectIDError{Op: "search_by_text"}), nil
		}
		args := req.GetArguments()
		if _, ok := args["query_text"]; !ok {
			if _, ok := args["query"]; !ok {
				return mcpInvalid("query_text is required"), nil
			}
		}
		// An empty query is present but unanswerable; the engine rejects
		// it with guidance rather than an argument error.
		query := req.GetString("query_text", req.GetString("query", ""))

		resp, err := deps.Engine.Retrieve(ctx, projectID, query,
			deps.searchOptions(req.GetInt("limit", 0), req.GetInt("depth", 0)))
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(resp), nil
	}
}

func mcpCreateEntity(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpFailure(&registry.MissingProjectIDError{Op: "create_entity"}), nil
		}
		typ, err := req.RequireString("type")
		if err != nil {
			return mcpInvalid("type is required"), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcpInvalid("name is required"), nil
		}
		attrs, ok := parseJSONObject(req.GetString("attributes", ""))
		if !ok {
			return mcpInvalid("attributes must be a JSON object"), nil
		}

		if _, err := deps.Registry.Resolve("create_entity", projectID); err != nil {
			return mcpFailure(err), nil
		}
		e, err := deps.Graph.PutEntity(projectID, storage.EntityType(typ), name, attrs)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(entityPayload(e)), nil
	}
}

func mcpUpdateEntity(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpFailure(&registry.MissingProjectIDError{Op: "update_entity"}), nil
		}
		entityID, err := req.RequireString("entity_id")
		if err != nil {
			return mcpInvalid("entity_id is required"), nil
		}
		attrsJSON, err := req.RequireString("attributes")
		if err != nil {
			return mcpInvalid("attributes is required"), nil
		}
		attrs, ok := parseJSONObject(attrsJSON)
		if !ok {
			return mcpInvalid("attributes must be a JSON object"), nil
		}

		e, err := deps.Graph.UpdateEntity(projectID, entityID, attrs)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(entityPayload(e)), nil
	}
}

func mcpCreateRelationship(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpFailure(&registry.MissingProjectIDError{Op: "create_relationship"}), nil
		}
		fromID, err := req.RequireString("from_id")
		if err != nil {
			return mcpInvalid("from_id is required"), nil
		}
		toID, err := req.RequireString("to_id")
		if err != nil {
			return mcpInvalid("to_id is required"), nil
		}
		relType := req.GetString("relationship_type", req.GetString("type", ""))
		if relType == "" {
			return mcpInvalid("relationship_type is required"), nil
		}
		props, ok := parseJSONObject(req.GetString("properties", ""))
		if !ok {
			return mcpInvalid("properties must be a JSON object"), nil
		}

		if _, err := deps.Registry.Resolve("create_relationship", projectID); err != nil {
			return mcpFailure(err), nil
		}
		rel, err := deps.Graph.PutRelationship(projectID, fromID, toID, relType, props)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(relationshipPayload(rel)), nil
	}
}

func mcpQueryGraph(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpFailure(&registry.MissingProjectIDError{Op: "query_graph"}), nil
		}
		if _, err := deps.Registry.Resolve("query_graph", projectID); err != nil {
			return mcpFailure(err), nil
		}

		spec := graphQuerySpec{
			EntityType:   req.GetString("entity_type", ""),
			NameContains: req.GetString("name_contains", ""),
			RelationType: req.GetString("relation_type", ""),
		}
		if raw, ok := req.GetArguments()["structured_query"]; ok {
			if err := decodeArgument(raw, &spec); err != nil {
				return mcpInvalid(fmt.Sprintf("invalid structured_query: %v", err)), nil
			}
		}
		res, err := deps.Graph.RunQuery(projectID, graph.Query{
			EntityType:   storage.EntityType(spec.EntityType),
			NameContains: spec.NameContains,
			RelationType: spec.RelationType,
		})
		if err != nil {
			return mcpFailure(err), nil
		}

		entities := make([]map[string]any, len(res.Entities))
		for i, e := range res.Entities {
			entities[i] = entityPayload(e)
		}
		rels := make([]map[string]any, len(res.Relationships))
		for i, r := range res.Relationships {
			rels[i] = relationshipPayload(r)
		}
		return mcpJSON(map[string]any{"entities": entities, "relationships": rels}), nil
	}
}

func mcpGetNeighbors(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpFailure(&registry.MissingProjectIDError{Op: "get_neighbors"}), nil
		}
		entityID, err := req.RequireString("entity_id")
		if err != nil {
			return mcpInvalid("entity_id is required"), nil
		}

		neighbors, err := deps.Graph.Neighbors(projectID, entityID, req.GetInt("depth", 0))
		if err != nil {
			return mcpFailure(err), nil
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
		return mcpJSON(out), nil
	}
}

func mcpReembedProject(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpFailure(&registry.MissingProjectIDError{Op: "reembed_project"}), nil
		}
		if _, err := deps.Registry.Resolve("reembed_project", projectID); err != nil {
			return mcpFailure(err), nil
		}
		jobID, err := ingest.EnqueueReembed(deps.Store, projectID)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(map[string]any{"job_id": jobID, "status": "queued"}), nil
	}
}

func mcpHealthCheck(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(healthReport(ctx, deps)), nil
	}
}

func mcpResourceProjects(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		projects, err := deps.Store.ListProjects()
		if err != nil {
			return nil, fmt.Errorf("listing projects: %w", err)
		}
		b, err := json.Marshal(projects)
		if err != nil {
			return nil, fmt.Errorf("marshaling projects: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// healthReport is shared between the MCP tool and the HTTP endpoint.
// Per-dependency results nest under dependency_statuses; status rolls
// them up.
func healthReport(ctx context.Context, deps Deps) map[string]any {
	status := "ok"
	statuses := map[string]any{
		"descriptor": deps.Provider.Descriptor().String(),
	}
	if _, err := deps.Store.ListProjects(); err != nil {
		status = "degraded"
		statuses["database"] = err.Error()
	} else {
		statuses["database"] = "ok"
	}
	if hc, ok := deps.Provider.(embedding.HealthChecker); ok {
		if hc.Healthy(ctx) {
			statuses["embedding"] = "ok"
		} else {
			status = "degraded"
			statuses["embedding"] = "unreachable"
		}
	}
	return map[string]any{
		"status":              status,
		"version":             Version,
		"dependency_statuses": statuses,
	}
}

// graphQuerySpec is the structured_query argument shape.
type graphQuerySpec struct {
	EntityType   string `json:"entity_type"`
	NameContains string `json:"name_contains"`
	RelationType string `json:"relation_type"`
}

// batchItemSpec is one element of a batch_embed_and_store contents array.
type batchItemSpec struct {
	Content     string         `json:"content"`
	ContentType string         `json:"content_type"`
	Source      map[string]any `json:"source"`
}

// parseBatchContents accepts the contents argument either as a decoded
// array or as JSON text. Elements may be plain strings or
// {content, content_type, source} objects.
func parseBatchContents(raw any) ([]batchItemSpec, error) {
	var elems []json.RawMessage
	if err := decodeArgument(raw, &elems); err != nil {
		return nil, fmt.Errorf("contents must be an array: %w", err)
	}
	out := make([]batchItemSpec, len(elems))
	for i, elem := range elems {
		var s string
		if err := json.Unmarshal(elem, &s); err == nil {
			out[i] = batchItemSpec{Content: s}
			continue
		}
		if err := json.Unmarshal(elem, &out[i]); err != nil {
			return nil, fmt.Errorf("contents[%d]: %w", i, err)
		}
	}
	return out, nil
}

// decodeArgument decodes a tool argument that may arrive as an already
// decoded JSON value or as JSON text.
func decodeArgument(raw any, v any) error {
	if s, ok := raw.(string); ok {
		return json.Unmarshal([]byte(s), v)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func entityPayload(e storage.Entity) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"project_id": e.ProjectID,
		"type":       string(e.Type),
		"name":       e.Name,
		"attributes": e.Attributes,
		"version":    e.Version,
	}
}

func relationshipPayload(r storage.Relationship) map[string]any {
	return map[string]any{
		"id":         r.ID,
		"project_id": r.ProjectID,
		"from_id":    r.FromID,
		"to_id":      r.ToID,
		"type":       r.Type,
		"properties": r.Properties,
		"version":    r.Version,
	}
}

// parseJSONObject decodes an optional JSON object parameter. An empty
// string is a valid absence.
func parseJSONObject(s string) (map[string]any, bool) {
	if s == "" {
		return nil, true
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, false
	}
	return out, true
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpErrorText(fmt.Sprintf("marshaling result: %v", err))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(b)}},
	}
}

// mcpFailure renders a domain error as a structured tool error so
// clients can branch on the code.
func mcpFailure(err error) *mcp.CallToolResult {
	_, code, detail := errorCode(err)
	payload := map[string]any{"code": code, "message": err.Error()}
	for k, v := range detail {
		payload[k] = v
	}
	b, mErr := json.Marshal(payload)
	if mErr != nil {
		return mcpErrorText(err.Error())
	}
	return mcpErrorText(string(b))
}

func mcpInvalid(msg string) *mcp.CallToolResult {
	b, _ := json.Marshal(map[string]any{"code": CodeInvalidRequest, "message": msg})
	return mcpErrorText(string(b))
}

func mcpErrorText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
