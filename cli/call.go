package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolgate/daemon"
)

// NewCallCmd creates the "call" subcommand.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Dispatch one tool call and print the result",
		Long: "Dispatch one tool call. With --server the call goes to a running gateway's HTTP API; " +
			"otherwise it runs in-process, where tools served by the remote peer report ADAPTER_NOT_AVAILABLE.",
		Args: cobra.ExactArgs(1),
		RunE: runCall,
	}
	cmd.Flags().String("args", "", "Arguments as a JSON object")
	cmd.Flags().String("args-file", "", "Read arguments from a JSON file")
	cmd.Flags().String("server", "", "Base URL of a running gateway, e.g. http://127.0.0.1:8780")
	cmd.Flags().Duration("timeout", 2*time.Minute, "Overall call timeout")
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	name := args[0]
	callArgs, err := readCallArgs(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var payload map[string]any
	if server, _ := cmd.Flags().GetString("server"); strings.TrimSpace(server) != "" {
		payload, err = callRemote(ctx, server, name, callArgs)
	} else {
		payload, err = callLocal(ctx, cmd, name, callArgs)
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding result: %v", err)
	}
	_, _ = cmd.OutOrStdout().Write(append(data, '\n'))

	if success, _ := payload["success"].(bool); !success {
		return exitError(exitToolFailed, "tool %s failed", name)
	}
	return nil
}

func readCallArgs(cmd *cobra.Command) (map[string]any, error) {
	inline, _ := cmd.Flags().GetString("args")
	file, _ := cmd.Flags().GetString("args-file")
	if inline != "" && file != "" {
		return nil, exitError(exitInputParse, "--args and --args-file are mutually exclusive")
	}

	var data []byte
	switch {
	case file != "":
		// #nosec G304 -- path supplied by the operator on the command line.
		raw, err := os.ReadFile(file)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "args file not found: %s", file)
			}
			return nil, exitError(exitRuntime, "reading args file: %v", err)
		}
		data = raw
	case inline != "":
		data = []byte(inline)
	default:
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, exitError(exitInputParse, "arguments must be a JSON object: %v", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func callLocal(ctx context.Context, cmd *cobra.Command, name string, args map[string]any) (map[string]any, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Tools.Watch = false
	app, err := daemon.NewApp(cfg, daemon.AppOptions{Logger: newLogger(cmd, cfg)})
	if err != nil {
		return nil, exitError(exitRuntime, "building gateway: %v", err)
	}
	defer func() { _ = app.Close() }()

	res := app.Dispatcher().Dispatch(ctx, name, args)
	return res.Payload(), nil
}

func callRemote(ctx context.Context, server, name string, args map[string]any) (map[string]any, error) {
	endpoint := strings.TrimRight(server, "/") + "/api/tools/" + url.PathEscape(name) + "/call"
	body, err := json.Marshal(args)
	if err != nil {
		return nil, exitError(exitInputParse, "encoding arguments: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, exitError(exitInputParse, "invalid server URL: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, exitError(exitRuntime, "calling %s: %v", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, exitError(exitRuntime, "reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, exitError(exitRuntime, "gateway returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, exitError(exitRuntime, "decoding response: %v", err)
	}
	return payload, nil
}
