package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomworks/loomkb/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest content into a project",
	Long: `Ingest content into a project.

Examples:
  loomkb ingest --project novel --text "Alice is a knight of the realm"
  loomkb ingest --project novel --url https://example.com/chapter-one
  loomkb ingest --project novel --file ./chapter.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		text, _ := cmd.Flags().GetString("text")
		urlArg, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")

		if project == "" {
			return fmt.Errorf("--project is required")
		}
		if text == "" && urlArg == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{
			"project_id": project,
			"source":     map[string]any{"origin": "cli"},
		}
		switch {
		case text != "":
			req["content_type"] = "text"
			req["content"] = text
		case urlArg != "":
			req["content_type"] = "url"
			req["content"] = urlArg
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["content_type"] = "text"
			req["content"] = string(data)
			req["source"] = map[string]any{"origin": "cli", "file": file}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ingest", req)
		if err != nil {
			return err
		}

		var result struct {
			ItemID        string `json:"item_id"`
			Entities      int    `json:"entities"`
			Relationships int    `json:"relationships"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored item %s (%d entities, %d relationships)",
			result.ItemID, result.Entities, result.Relationships)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("project", "", "project to store into")
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Hybrid search over a project",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")
		depth, _ := cmd.Flags().GetInt("depth")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/search", map[string]any{
			"project_id": project,
			"query_text": strings.Join(args, " "),
			"limit":      limit,
			"depth":      depth,
		})
		if err != nil {
			return err
		}

		var body struct {
			Results []struct {
				Item struct {
					ID      string
					Content string
				} `json:"item"`
				Score    float64 `json:"score"`
				Evidence struct {
					Similarity float32  `json:"similarity"`
					Entities   []string `json:"entities"`
					Paths      []string `json:"paths"`
				} `json:"evidence"`
			} `json:"results"`
			Suggestions []string `json:"suggestions"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Results) == 0 {
			fmt.Println("No results found.")
			for _, s := range body.Suggestions {
				printHint("%s", s)
			}
			return nil
		}

		for i, r := range body.Results {
			fmt.Printf("\n%s [score: %.3f, similarity: %.3f]\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score, r.Evidence.Similarity)
			if len(r.Evidence.Entities) > 0 {
				fmt.Printf("  Entities: %s\n", strings.Join(r.Evidence.Entities, ", "))
			}
			for _, p := range r.Evidence.Paths {
				fmt.Printf("  %s\n", colorize(colorCyan, p))
			}
			text := r.Item.Content
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("project", "", "project to search")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")
	searchCmd.Flags().Int("depth", 0, "graph expansion depth")
}

// --- projects ---

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/projects")
		if err != nil {
			return err
		}

		var projects []struct {
			ID        string `json:"ID"`
			Name      string `json:"Name"`
			CreatedAt string `json:"CreatedAt"`
		}
		if err := decodeJSON(resp, &projects); err != nil {
			return err
		}

		if len(projects) == 0 {
			fmt.Println("No projects registered.")
			return nil
		}
		for _, p := range projects {
			name := p.Name
			if name == "" {
				name = p.ID
			}
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, p.ID), name, p.CreatedAt)
		}
		return nil
	},
}

var projectsAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/projects", map[string]any{
			"project_id": args[0],
			"name":       name,
		})
		if err != nil {
			return err
		}

		var result any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Registered project %s", args[0])
		return nil
	},
}

var projectsPurgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Delete a project and all its knowledge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes project %s and ALL its data. Use --confirm to proceed.", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/projects/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Purged project %s", args[0])
		return nil
	},
}

var projectsReembedCmd = &cobra.Command{
	Use:   "reembed <id>",
	Short: "Queue a re-embed of all items in a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/reembed", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued re-embed job %s", result["job_id"])
		return nil
	},
}

func init() {
	projectsAddCmd.Flags().String("name", "", "human-readable project name")
	projectsPurgeCmd.Flags().Bool("confirm", false, "confirm project purge")
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsAddCmd)
	projectsCmd.AddCommand(projectsPurgeCmd)
	projectsCmd.AddCommand(projectsReembedCmd)
}

// --- graph ---

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Query the knowledge graph",
}

var graphQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query entities and relationships in a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		entityType, _ := cmd.Flags().GetString("type")
		nameContains, _ := cmd.Flags().GetString("name")
		relationType, _ := cmd.Flags().GetString("relation")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/projects/"+url.PathEscape(project)+"/graph/query", map[string]any{
			"structured_query": map[string]any{
				"entity_type":   entityType,
				"name_contains": nameContains,
				"relation_type": relationType,
			},
		})
		if err != nil {
			return err
		}

		var result any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var graphNeighborsCmd = &cobra.Command{
	Use:   "neighbors <entity-id>",
	Short: "Show entities reachable from an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		depth, _ := cmd.Flags().GetInt("depth")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/projects/%s/entities/%s/neighbors?depth=%d",
			url.PathEscape(project), url.PathEscape(args[0]), depth)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var neighbors []struct {
			Entity struct {
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"entity"`
			Depth int      `json:"depth"`
			Path  []string `json:"path"`
		}
		if err := decodeJSON(resp, &neighbors); err != nil {
			return err
		}

		if len(neighbors) == 0 {
			fmt.Println("No neighbors found.")
			return nil
		}
		for _, n := range neighbors {
			fmt.Printf("%s (%s) depth=%d\n", colorize(colorBold, n.Entity.Name), n.Entity.Type, n.Depth)
			for _, hop := range n.Path {
				fmt.Printf("  %s\n", colorize(colorCyan, hop))
			}
		}
		return nil
	},
}

func init() {
	graphQueryCmd.Flags().String("project", "", "project to query")
	graphQueryCmd.Flags().String("type", "", "filter entities by type")
	graphQueryCmd.Flags().String("name", "", "filter entities by name substring")
	graphQueryCmd.Flags().String("relation", "", "filter relationships by type")
	graphNeighborsCmd.Flags().String("project", "", "project the entity belongs to")
	graphNeighborsCmd.Flags().Int("depth", 1, "traversal depth")
	graphCmd.AddCommand(graphQueryCmd)
	graphCmd.AddCommand(graphNeighborsCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
