package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kalambet/datedocs/internal/api"
	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/config"
	"github.com/kalambet/datedocs/internal/detect"
	"github.com/kalambet/datedocs/internal/generate"
	"github.com/kalambet/datedocs/internal/orchestrator"
	"github.com/kalambet/datedocs/internal/schedule"
	"github.com/kalambet/datedocs/internal/storage"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <full|incremental>",
	Short: "Detect out-of-date documents and regenerate them",
	Long: `Detect out-of-date documents and regenerate them.

  full         regenerate every date that has eligible content
  incremental  regenerate only missing and stale dates

Small batches run inline; larger ones are staggered over time. Use
"datedocs progress" to follow a staggered batch.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"full", "incremental"},
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := args[0]
		if mode != string(orchestrator.ModeFull) && mode != string(orchestrator.ModeIncremental) {
			return fmt.Errorf("unknown run mode %q (want full or incremental)", mode)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/runs/"+mode, nil)
		if err != nil {
			return err
		}

		var report orchestrator.RunReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printReport(report)
		return nil
	},
}

func printReport(r orchestrator.RunReport) {
	if r.Detected == 0 {
		printSuccess("Nothing to do, all documents are current")
		return
	}

	printStatus("Mode", "%s", r.Mode)
	printStatus("Detected", "%s", humanize.Comma(int64(r.Detected)))
	for _, reason := range []detect.Reason{detect.ReasonAll, detect.ReasonMissing, detect.ReasonStale} {
		if n := r.Reasons[reason]; n > 0 {
			printStatus("  "+string(reason), "%d", n)
		}
	}
	printStatus("Strategy", "%s", r.Strategy)

	switch {
	case r.Inline != nil:
		res := r.Inline
		if res.Halted {
			printWarning("Batch halted after %d documents", res.Generated+res.Failed)
			return
		}
		if res.Failed > 0 {
			printWarning("Generated %d documents, %d failed", res.Generated, res.Failed)
		} else {
			printSuccess("Generated %d documents", res.Generated)
		}
		if res.Cleaned > 0 {
			printStep("Removed %d orphaned documents", res.Cleaned)
		}
	case r.Staggered != nil:
		printSuccess("Scheduled %d jobs", r.Staggered.Scheduled)
		if r.Staggered.Duplicates > 0 {
			printStep("%d dates were already queued", r.Staggered.Duplicates)
		}
	}
}

// --- progress ---

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show the state of the current generation batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/progress")
		if err != nil {
			return err
		}

		var p schedule.Progress
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		printProgress(p)
		return nil
	},
}

func progressState(p schedule.Progress) string {
	switch {
	case p.InProgress:
		return colorize(colorCyan, "running")
	case p.Halted:
		return colorize(colorYellow, "halted")
	default:
		return "idle"
	}
}

func printProgress(p schedule.Progress) {
	printStatus("Generation", "%s", progressState(p))
	if p.Total > 0 {
		pct := float64(p.Completed) / float64(p.Total) * 100
		printStatus("Progress", "%s / %s (%.0f%%)", humanize.Comma(int64(p.Completed)), humanize.Comma(int64(p.Total)), pct)
		printStatus("Remaining", "%s", humanize.Comma(int64(p.Remaining)))
	}
	if p.PendingJobs > 0 {
		printStatus("Queued jobs", "%s", humanize.Comma(int64(p.PendingJobs)))
	}
	printStatus("Started", "%s", relTime(p.StartedAt))
	printStatus("Last run", "%s", relTime(p.LastRun))
	printStatus("Last update", "%s", relTime(p.LastUpdate))
	printStatus("Last check", "%s", relTime(p.LastCheck))
}

func relTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}

// --- cancel / reset ---

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop the running batch and cancel its queued jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cancel", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Generation stopped, %d queued jobs cancelled", result["cancelled_jobs"])
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Cancel queued jobs and forget all generation state",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This clears progress and the last-run watermark; the next incremental run re-checks every date. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/reset", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Generation state reset, %d queued jobs cancelled", result["cancelled_jobs"])
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm state reset")
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <YYYY-MM-DD>",
	Short: "Generate the document of one date",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := bucket.Parse(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/buckets/%s/generate?force=%s", key, strconv.FormatBool(force))
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var res generate.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		switch res.Outcome {
		case generate.OutcomeDeleted:
			printSuccess("%s has no eligible content, document removed", res.Key)
		case generate.OutcomeUnchanged:
			printSuccess("%s has no eligible content and no document", res.Key)
		default:
			printSuccess("%s %s (%d items)", res.Key, res.Outcome, res.ItemCount)
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().Bool("force", false, "overwrite an existing document")
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete documents whose date no longer has eligible content",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cleanup", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d orphaned documents", result["deleted"])
		return nil
	},
}

// --- buckets ---

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "Inspect generated date documents",
}

var bucketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List generated documents, newest date first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		resp, err := client.get(cmd.Context(), "/buckets?"+q.Encode())
		if err != nil {
			return err
		}

		var docs []storage.DocumentInfo
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		fmt.Println(bucketTable(docs))
		return nil
	},
}

func bucketTable(docs []storage.DocumentInfo) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateColumns = false

	tbl.AppendHeader(table.Row{"Date", "Items", "Updated"})
	for _, d := range docs {
		tbl.AppendRow(table.Row{d.Bucket, humanize.Comma(int64(d.ItemCount)), humanize.Time(d.UpdatedAt)})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d", len(docs))})
	return tbl.Render()
}

var bucketsShowCmd = &cobra.Command{
	Use:   "show <YYYY-MM-DD>",
	Short: "Print the document of one date",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := bucket.Parse(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/buckets/"+string(key))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return decodeJSON(resp, nil)
		}

		_, err = io.Copy(os.Stdout, resp.Body)
		return err
	},
}

func init() {
	bucketsListCmd.Flags().Int("limit", 30, "maximum number of documents to list")
	bucketsListCmd.Flags().Int("offset", 0, "number of documents to skip")
	bucketsCmd.AddCommand(bucketsListCmd)
	bucketsCmd.AddCommand(bucketsShowCmd)
}

// --- content ---

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Feed the live content store",
}

var contentPutCmd = &cobra.Command{
	Use:   "put <id>",
	Short: "Create or replace a content item",
	Long: `Create or replace a content item.

Examples:
  datedocs content put post-1 --type post --title "Hello" --published 2024-07-10T09:00:00Z
  datedocs content put page-2 --type page --status draft --published 2024-07-11`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		status, _ := cmd.Flags().GetString("status")
		title, _ := cmd.Flags().GetString("title")
		link, _ := cmd.Flags().GetString("url")
		publishedStr, _ := cmd.Flags().GetString("published")
		modifiedStr, _ := cmd.Flags().GetString("modified")

		if typ == "" || publishedStr == "" {
			return fmt.Errorf("--type and --published are required")
		}
		published, err := parseWhen(publishedStr)
		if err != nil {
			return fmt.Errorf("invalid --published: %w", err)
		}
		modified := time.Now().UTC()
		if modifiedStr != "" {
			if modified, err = parseWhen(modifiedStr); err != nil {
				return fmt.Errorf("invalid --modified: %w", err)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := api.ContentRequest{
			Type:        typ,
			Status:      status,
			Title:       title,
			URL:         link,
			PublishedAt: published,
			ModifiedAt:  modified,
		}
		resp, err := client.put(cmd.Context(), "/content/"+url.PathEscape(args[0]), req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored %s in %s", result["id"], result["bucket"])
		return nil
	},
}

// parseWhen accepts RFC 3339 timestamps or bare YYYY-MM-DD dates (midnight UTC).
func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(bucket.Layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

var contentDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a content item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/content/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	contentPutCmd.Flags().String("type", "", "content type, e.g. post or page")
	contentPutCmd.Flags().String("status", "published", "publication status")
	contentPutCmd.Flags().String("title", "", "item title")
	contentPutCmd.Flags().String("url", "", "item URL")
	contentPutCmd.Flags().String("published", "", "publish time (RFC 3339 or YYYY-MM-DD)")
	contentPutCmd.Flags().String("modified", "", "last modification time (default: now)")
	contentCmd.AddCommand(contentPutCmd)
	contentCmd.AddCommand(contentDeleteCmd)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys: " + strings.Join(config.ValidKeys(), ", "),
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
