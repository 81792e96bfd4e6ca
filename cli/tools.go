package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolgate/tool"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and validate tool definitions",
	}
	cmd.PersistentFlags().String("dir", "", "Directory of tool definitions (default: tools.dir from config)")
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsInspectCmd())
	cmd.AddCommand(newToolsValidateCmd())
	cmd.AddCommand(newToolsSchemaCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tools in the catalog",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
}

func newToolsInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <name>",
		Short: "Print one tool definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsInspect,
	}
}

func newToolsValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate every definition file without loading the catalog",
		Args:  cobra.NoArgs,
		RunE:  runToolsValidate,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func newToolsSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema every definition file must satisfy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := tool.DefinitionSchema()
			if err != nil {
				return exitError(exitRuntime, "%v", err)
			}
			_, _ = cmd.OutOrStdout().Write(data)
			return nil
		},
	}
}

// resolveToolsDir returns --dir, or tools.dir from the loaded config.
func resolveToolsDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("dir"); strings.TrimSpace(dir) != "" {
		return dir, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return cfg.Tools.Dir, nil
}

func newCatalog(dir string) (*tool.Registry, error) {
	registry := tool.NewRegistry(tool.RegistryConfig{
		Adapters: []string{tool.AdapterRevit, tool.AdapterPyRevit, tool.AdapterDynamo, tool.AdapterWorkflow},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if _, err := registry.LoadFromDirectory(dir); err != nil {
		return nil, exitError(exitRuntime, "loading tools: %v", err)
	}
	return registry, nil
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	dir, err := resolveToolsDir(cmd)
	if err != nil {
		return err
	}
	registry, err := newCatalog(dir)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tADAPTER\tDESCRIPTION")
	for _, def := range registry.List() {
		description := strings.TrimSpace(def.Description)
		if description == "" {
			description = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", def.Name, def.Adapter, description)
	}
	return writer.Flush()
}

func runToolsInspect(cmd *cobra.Command, args []string) error {
	dir, err := resolveToolsDir(cmd)
	if err != nil {
		return err
	}
	registry, err := newCatalog(dir)
	if err != nil {
		return err
	}

	name := args[0]
	def, ok := registry.Get(name)
	if !ok {
		return exitError(exitValidation, "tool %q is not in the catalog", name)
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding definition: %v", err)
	}
	_, _ = cmd.OutOrStdout().Write(append(data, '\n'))
	return nil
}

type fileReport struct {
	File        string            `json:"file"`
	Tool        string            `json:"tool,omitempty"`
	Valid       bool              `json:"valid"`
	Diagnostics []tool.Diagnostic `json:"diagnostics,omitempty"`
}

func runToolsValidate(cmd *cobra.Command, _ []string) error {
	dir, err := resolveToolsDir(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")

	files, err := tool.ListDefinitionFiles(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "tools directory not found: %s", dir)
		}
		return exitError(exitRuntime, "listing definitions: %v", err)
	}

	registry := tool.NewRegistry(tool.RegistryConfig{
		Adapters: []string{tool.AdapterRevit, tool.AdapterPyRevit, tool.AdapterDynamo, tool.AdapterWorkflow},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	reports := make([]fileReport, 0, len(files))
	invalid := 0
	for _, path := range files {
		report := fileReport{File: filepath.Base(path), Valid: true}
		def, err := tool.LoadDefinitionFile(path)
		if err != nil {
			report.Valid = false
			report.Diagnostics = []tool.Diagnostic{{Severity: tool.SeverityError, Message: err.Error()}}
		} else {
			report.Tool = def.Name
			_, report.Diagnostics = registry.Check(def)
			for _, d := range report.Diagnostics {
				if d.Severity == tool.SeverityError {
					report.Valid = false
				}
			}
		}
		if !report.Valid {
			invalid++
		}
		reports = append(reports, report)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		data, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "encoding report: %v", err)
		}
		_, _ = out.Write(append(data, '\n'))
	} else {
		for _, r := range reports {
			if r.Valid {
				fmt.Fprintf(out, "ok    %s (%s)\n", r.File, r.Tool)
			} else {
				fmt.Fprintf(out, "FAIL  %s\n", r.File)
			}
			for _, d := range r.Diagnostics {
				fmt.Fprintf(out, "      [%s] %s\n", d.Severity, d.String())
			}
		}
	}

	if invalid > 0 {
		return exitError(exitValidation, "%d of %d definition(s) invalid", invalid, len(files))
	}
	return nil
}
