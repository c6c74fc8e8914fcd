package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func makeCallToolRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: args},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func TestMCPEmbedAndStore(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpEmbedAndStore(deps)

	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"project_id": "novel",
		"content":    "Alice is a knight",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &payload); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if payload["item_id"] == "" {
		t.Error("no item_id")
	}
	if payload["descriptor"] != "fake-embed@v1" {
		t.Errorf("descriptor = %v", payload["descriptor"])
	}
}

func TestMCPMissingProjectID(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpEmbedAndStore(deps)

	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"content": "Alice is a knight",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Fatal("request without project_id succeeded")
	}
	payload := decodeErrorPayload(t, []byte(toolText(t, result)))
	if payload["code"] != CodeMissingProjectID {
		t.Errorf("code = %v, want %s", payload["code"], CodeMissingProjectID)
	}
}

func TestMCPSearchEmptyProjectSuggests(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpSearchByText(deps)

	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"project_id": "novel",
		"query":      "who killed Bob",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var resp struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(resp.Suggestions) == 0 {
		t.Error("empty project produced no suggestions")
	}
}

func TestMCPCreateRelationshipConflict(t *testing.T) {
	deps := newTestDeps(t)

	if _, err := deps.Registry.Resolve("test", "novel"); err != nil {
		t.Fatal(err)
	}
	bob, err := deps.Graph.PutEntity("novel", "character", "Bob", map[string]any{"status": "deceased"})
	if err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	alice, err := deps.Graph.PutEntity("novel", "character", "Alice", nil)
	if err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	handler := mcpCreateRelationship(deps)
	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"project_id": "novel",
		"from_id":    bob.ID,
		"to_id":      alice.ID,
		"type":       "killed_by",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Fatal("re-kill succeeded")
	}
	payload := decodeErrorPayload(t, []byte(toolText(t, result)))
	if payload["code"] != CodeFactConflict {
		t.Errorf("code = %v, want %s", payload["code"], CodeFactConflict)
	}
	if payload["rule_id"] != "deceased_rekill" {
		t.Errorf("rule_id = %v, want deceased_rekill", payload["rule_id"])
	}
}

func TestMCPBatchIndependentFailures(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpBatchEmbedAndStore(deps)

	items, _ := json.Marshal([]map[string]any{
		{"content": "Alice is a knight"},
		{"content": "   "},
		{"content": "Carol lives in Winterfell"},
	})
	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"project_id": "novel",
		"items":      string(items),
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var out []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d results, want 3", len(out))
	}
	if out[0]["error"] != nil || out[2]["error"] != nil {
		t.Errorf("valid items failed: %v", out)
	}
	if out[1]["error"] == nil {
		t.Error("blank item succeeded")
	}
}

func TestMCPQueryGraph(t *testing.T) {
	deps := newTestDeps(t)

	if _, err := deps.Registry.Resolve("test", "novel"); err != nil {
		t.Fatal(err)
	}
	if _, err := deps.Graph.PutEntity("novel", "character", "Alice", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := deps.Graph.PutEntity("novel", "location", "Castle", nil); err != nil {
		t.Fatal(err)
	}

	handler := mcpQueryGraph(deps)
	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"project_id":  "novel",
		"entity_type": "character",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var out struct {
		Entities []map[string]any `json:"entities"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(out.Entities) != 1 || out.Entities[0]["name"] != "Alice" {
		t.Errorf("entities = %v, want only Alice", out.Entities)
	}
}

func TestMCPHealthCheck(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpHealthCheck(deps)

	result, err := handler(context.Background(), makeCallToolRequest(nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &report); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if report["status"] != "ok" {
		t.Errorf("status = %v, want ok", report["status"])
	}
	statuses, ok := report["dependency_statuses"].(map[string]any)
	if !ok {
		t.Fatalf("no dependency_statuses in %v", report)
	}
	if statuses["database"] != "ok" {
		t.Errorf("database = %v, want ok", statuses["database"])
	}
	if statuses["descriptor"] != "fake-embed@v1" {
		t.Errorf("descriptor = %v", statuses["descriptor"])
	}
}

func TestMCPSearchByTextQueryTextArg(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpSearchByText(deps)

	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"project_id": "novel",
		"query_text": "who killed Bob",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("query_text argument rejected: %s", toolText(t, result))
	}
}

func TestMCPCreateRelationshipTypeArg(t *testing.T) {
	deps := newTestDeps(t)

	if _, err := deps.Registry.Resolve("test", "novel"); err != nil {
		t.Fatal(err)
	}
	alice, err := deps.Graph.PutEntity("novel", "character", "Alice", nil)
	if err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	castle, err := deps.Graph.PutEntity("novel", "location", "Castle", nil)
	if err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	handler := mcpCreateRelationship(deps)
	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"project_id":        "novel",
		"from_id":           alice.ID,
		"to_id":             castle.ID,
		"relationship_type": "lives_in",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("relationship_type argument rejected: %s", toolText(t, result))
	}
	var rel map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &rel); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if rel["type"] != "lives_in" {
		t.Errorf("type = %v, want lives_in", rel["type"])
	}
}

func TestMCPBatchContentsArg(t *testing.T) {
	deps := newTestDeps(t)
	handler := mcpBatchEmbedAndStore(deps)

	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"project_id": "novel",
		"contents": []any{
			"Alice is a knight",
			map[string]any{"content": "Carol lives in Winterfell"},
		},
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("contents argument rejected: %s", toolText(t, result))
	}
	var out []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	for i, item := range out {
		if item["error"] != nil {
			t.Errorf("item %d failed: %v", i, item["error"])
		}
		if item["item_id"] == "" {
			t.Errorf("item %d has no item_id", i)
		}
	}
}

func TestMCPQueryGraphStructuredQueryArg(t *testing.T) {
	deps := newTestDeps(t)

	if _, err := deps.Registry.Resolve("test", "novel"); err != nil {
		t.Fatal(err)
	}
	if _, err := deps.Graph.PutEntity("novel", "character", "Alice", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := deps.Graph.PutEntity("novel", "location", "Castle", nil); err != nil {
		t.Fatal(err)
	}

	handler := mcpQueryGraph(deps)
	result, err := handler(context.Background(), makeCallToolRequest(map[string]any{
		"project_id":       "novel",
		"structured_query": map[string]any{"entity_type": "location"},
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("structured_query argument rejected: %s", toolText(t, result))
	}
	var out struct {
		Entities []map[string]any `json:"entities"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(out.Entities) != 1 || out.Entities[0]["name"] != "Castle" {
		t.Errorf("entities = %v, want only Castle", out.Entities)
	}
}
