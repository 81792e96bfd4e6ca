package handlers

import (
	"context"
	"fmt"

	"github.com/petal-labs/toolgate/tool"
)

const delegatedMessage = "Delegated to Revit add-in"

// CreateWall prepares a revit.create_wall call. The pipe adapter carries the
// call to the add-in, which does the model work.
func CreateWall(ctx context.Context, args map[string]any, opts tool.HandlerOptions) (tool.Result, error) {
	return tool.OK(map[string]any{
		"message": delegatedMessage,
		"args":    args,
	}), nil
}

// GetElementInfo prepares a revit.get_element_info call.
func GetElementInfo(ctx context.Context, args map[string]any, opts tool.HandlerOptions) (tool.Result, error) {
	id, ok := args["element_id"]
	if !ok {
		return tool.Result{}, fmt.Errorf("handlers: missing argument %q", "element_id")
	}
	return tool.OK(map[string]any{
		"element_id": id,
		"message":    delegatedMessage,
	}), nil
}

// RunGraph prepares a dynamo.run_graph request. The graph adapter forwards
// the returned data to the add-in's graph engine.
func RunGraph(ctx context.Context, args map[string]any, opts tool.HandlerOptions) (tool.Result, error) {
	path, err := stringArg(args, "graph_path")
	if err != nil {
		return tool.Result{}, err
	}
	inputs, err := objectArg(args, "inputs")
	if err != nil {
		return tool.Result{}, err
	}
	return tool.OK(map[string]any{
		"message":    "Delegated Dynamo graph execution: " + path,
		"graph_path": path,
		"inputs":     inputs,
	}), nil
}
