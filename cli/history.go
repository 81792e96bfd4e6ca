package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolgate/journal"
)

// NewHistoryCmd creates the "history" subcommand.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent calls from the call journal",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	cmd.Flags().String("journal", "", "Path to the SQLite call journal (default: journal.path from config)")
	cmd.Flags().String("tool", "", "Only show calls to this tool")
	cmd.Flags().Int("limit", 20, "Maximum number of calls to show")
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("journal")
	if strings.TrimSpace(path) == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = cfg.Journal.Path
	}
	if strings.TrimSpace(path) == "" {
		return exitError(exitValidation, "call journal is not configured; set journal.path or pass --journal")
	}

	store, err := journal.Open(journal.Config{
		DSN:    path,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return exitError(exitRuntime, "opening journal: %v", err)
	}
	defer func() { _ = store.Close() }()

	toolName, _ := cmd.Flags().GetString("tool")
	limit, _ := cmd.Flags().GetInt("limit")
	entries, err := store.List(cmd.Context(), journal.Filter{Tool: toolName, Limit: limit})
	if err != nil {
		return exitError(exitRuntime, "reading journal: %v", err)
	}

	out := cmd.OutOrStdout()
	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "encoding history: %v", err)
		}
		_, _ = out.Write(append(data, '\n'))
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "STARTED\tTOOL\tADAPTER\tRESULT\tDURATION")
	for _, e := range entries {
		result := "ok"
		if !e.Success {
			result = e.ErrorCode
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime),
			e.Tool,
			e.Adapter,
			result,
			time.Duration(e.DurationMS)*time.Millisecond,
		)
	}
	return writer.Flush()
}
