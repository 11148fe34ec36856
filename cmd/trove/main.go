// Package main is the entry point for the Trove CLI.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trovehq/trove/pkg/models"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

// client for daemon communication
type client struct {
	httpClient *http.Client
	baseURL    string
}

func newClient(addr string) *client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimRight(base, "/"),
	}
}

func (c *client) do(method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
			return nil, fmt.Errorf("%s", envelope.Error.Message)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return data, nil
}

func (c *client) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *client) post(path string, body interface{}) ([]byte, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *client) delete(path string) ([]byte, error) {
	return c.do(http.MethodDelete, path, nil)
}

var daemonAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "trove",
		Short: "Trove - search across your connected workplace tools",
		Long: `Trove searches documents, messages, and issues crawled from the
data sources connected to the local daemon.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "localhost:8080",
		"Daemon address")

	rootCmd.AddCommand(
		searchCmd(),
		sourcesCmd(),
		statusCmd(),
		clearIndexCmd(),
		healthCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func searchCmd() *cobra.Command {
	var topK int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			params := url.Values{"query": {query}}
			if topK > 0 {
				params.Set("top_k", strconv.Itoa(topK))
			}

			data, err := newClient(daemonAddr).get("/search?" + params.Encode())
			if err != nil {
				return err
			}
			if asJSON {
				fmt.Println(string(data))
				return nil
			}

			var results []models.SearchResult
			if err := json.Unmarshal(data, &results); err != nil {
				return fmt.Errorf("decode results: %w", err)
			}
			if len(results) == 0 {
				fmt.Println("No results.")
				return nil
			}
			for i, r := range results {
				printResult(i+1, r)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&topK, "top-k", 0, "Number of results to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func printResult(rank int, r models.SearchResult) {
	fmt.Printf("%2d. [%3.0f%%] %s\n", rank, r.Score, r.Title)
	fmt.Printf("    %s · %s · %s\n", r.DataSource, r.Author,
		r.Time.Local().Format("2006-01-02 15:04"))
	if text := flattenContent(r.Content); text != "" {
		fmt.Printf("    %s\n", text)
	}
	if r.URL != "" {
		fmt.Printf("    %s\n", r.URL)
	}
	if r.Child != nil {
		fmt.Printf("    └─ %s: %s\n", r.Child.Author, flattenContent(r.Child.Content))
	}
	fmt.Println()
}

func flattenContent(parts []models.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Content)
	}
	return strings.TrimSpace(b.String())
}

func sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage connected data sources",
	}
	cmd.AddCommand(
		sourcesListCmd(),
		sourcesTypesCmd(),
		sourcesAddCmd(),
		sourcesRemoveCmd(),
		sourcesLocationsCmd(),
	)
	return cmd
}

func sourcesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connected sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient(daemonAddr).get("/data-sources/connected")
			if err != nil {
				return err
			}
			var sources []models.ConnectedSource
			if err := json.Unmarshal(data, &sources); err != nil {
				return fmt.Errorf("decode sources: %w", err)
			}
			if len(sources) == 0 {
				fmt.Println("No sources connected.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE")
			for _, s := range sources {
				fmt.Fprintf(w, "%d\t%s\n", s.ID, s.Name)
			}
			return w.Flush()
		},
	}
}

func sourcesTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List available source types",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient(daemonAddr).get("/data-sources/types")
			if err != nil {
				return err
			}
			var types []struct {
				Name        string `json:"name"`
				DisplayName string `json:"display_name"`
			}
			if err := json.Unmarshal(data, &types); err != nil {
				return fmt.Errorf("decode types: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDISPLAY NAME")
			for _, t := range types {
				fmt.Fprintf(w, "%s\t%s\n", t.Name, t.DisplayName)
			}
			return w.Flush()
		},
	}
}

func readConfigArg(configJSON, configFile string) (json.RawMessage, error) {
	switch {
	case configJSON != "" && configFile != "":
		return nil, fmt.Errorf("use either --config or --config-file, not both")
	case configFile != "":
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		return json.RawMessage(data), nil
	case configJSON != "":
		return json.RawMessage(configJSON), nil
	default:
		return json.RawMessage(`{}`), nil
	}
}

func sourcesAddCmd() *cobra.Command {
	var configJSON, configFile string

	cmd := &cobra.Command{
		Use:   "add <type>",
		Short: "Connect a new source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfigArg(configJSON, configFile)
			if err != nil {
				return err
			}
			data, err := newClient(daemonAddr).post("/data-sources", map[string]interface{}{
				"name":   args[0],
				"config": cfg,
			})
			if err != nil {
				return err
			}
			var resp struct {
				ID int64 `json:"id"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Printf("Connected %s (id %d). First crawl started.\n", args[0], resp.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&configJSON, "config", "", "Connector config as inline JSON")
	cmd.Flags().StringVar(&configFile, "config-file", "", "Connector config JSON file")
	return cmd
}

func sourcesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Disconnect a source and drop its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q", args[0])
			}
			if _, err := newClient(daemonAddr).delete(fmt.Sprintf("/data-sources/%d", id)); err != nil {
				return err
			}
			fmt.Printf("Removed source %d.\n", id)
			return nil
		},
	}
}

func sourcesLocationsCmd() *cobra.Command {
	var configJSON, configFile string

	cmd := &cobra.Command{
		Use:   "locations <type>",
		Short: "List the locations a source config would index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfigArg(configJSON, configFile)
			if err != nil {
				return err
			}
			data, err := newClient(daemonAddr).post(
				fmt.Sprintf("/data-sources/%s/list-locations", args[0]), cfg)
			if err != nil {
				return err
			}
			var locations []models.Location
			if err := json.Unmarshal(data, &locations); err != nil {
				return fmt.Errorf("decode locations: %w", err)
			}
			for _, l := range locations {
				if l.Label != "" && l.Label != l.Value {
					fmt.Printf("%s\t%s\n", l.Value, l.Label)
				} else {
					fmt.Println(l.Value)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configJSON, "config", "", "Connector config as inline JSON")
	cmd.Flags().StringVar(&configFile, "config-file", "", "Connector config JSON file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show indexing backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient(daemonAddr).get("/status")
			if err != nil {
				return err
			}
			var status struct {
				InIndexing  int `json:"docs_in_indexing"`
				LeftToIndex int `json:"docs_left_to_index"`
			}
			if err := json.Unmarshal(data, &status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			fmt.Printf("Documents being indexed:  %d\n", status.InIndexing)
			fmt.Printf("Documents left to index:  %d\n", status.LeftToIndex)
			return nil
		},
	}
}

func clearIndexCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear-index",
		Short: "Delete every indexed document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Print("This deletes all indexed documents. Continue? [y/N] ")
				var answer string
				fmt.Scanln(&answer)
				if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if _, err := newClient(daemonAddr).post("/clear-index", nil); err != nil {
				return err
			}
			fmt.Println("Index cleared. Sources will be re-crawled on the next pass.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient(daemonAddr).get("/health")
			if err != nil {
				return err
			}
			var health struct {
				Status    string `json:"status"`
				Version   string `json:"version"`
				Uptime    string `json:"uptime"`
				Documents int    `json:"documents"`
				Chunks    int    `json:"chunks"`
			}
			if err := json.Unmarshal(data, &health); err != nil {
				return fmt.Errorf("decode health: %w", err)
			}
			fmt.Printf("Status:     %s\n", health.Status)
			fmt.Printf("Version:    %s\n", health.Version)
			fmt.Printf("Uptime:     %s\n", health.Uptime)
			fmt.Printf("Documents:  %d\n", health.Documents)
			fmt.Printf("Chunks:     %d\n", health.Chunks)
			return nil
		},
	}
}
