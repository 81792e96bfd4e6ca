// Package handlers contains the bundled handler units served to the tool
// handler cache.
//
// Handler units are looked up by unit name, the tool name with dots replaced
// by underscores (revit.create_wall -> revit_create_wall).
package handlers

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/toolgate/tool"
)

// Unit names of the bundled handlers.
const (
	UnitCreateWall           = "revit_create_wall"
	UnitGetElementInfo       = "revit_get_element_info"
	UnitRunScript            = "pyrevit_run_script"
	UnitRunGraph             = "dynamo_run_graph"
	UnitCreateWallsFromLines = "flow_create_walls_from_lines"
)

// Config configures the bundled handlers.
type Config struct {
	// ScriptCommand is the script runner binary. Defaults to "pyrevit".
	ScriptCommand string
	// ScriptArgs precede the script path on the command line. Defaults to ["run"].
	ScriptArgs []string
	// ScriptTimeout bounds one script run. Defaults to DefaultScriptTimeout.
	ScriptTimeout time.Duration
	Logger        *slog.Logger
}

// Units returns every bundled handler keyed by unit name.
func Units(cfg Config) map[string]tool.Handler {
	return map[string]tool.Handler{
		UnitCreateWall:           tool.HandlerFunc(CreateWall),
		UnitGetElementInfo:       tool.HandlerFunc(GetElementInfo),
		UnitRunScript:            NewScriptRunner(cfg),
		UnitRunGraph:             tool.HandlerFunc(RunGraph),
		UnitCreateWallsFromLines: tool.HandlerFunc(CreateWallsFromLines),
	}
}

// Loader serves the bundled handlers through the tool.HandlerLoader contract.
func Loader(cfg Config) tool.HandlerLoader {
	return tool.MapLoader(Units(cfg))
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("handlers: missing argument %q", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("handlers: argument %q must be a non-empty string", key)
	}
	return s, nil
}

func objectArg(args map[string]any, key string) (map[string]any, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return map[string]any{}, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("handlers: argument %q must be an object", key)
	}
	return obj, nil
}
