package handlers

import (
	"context"
	"fmt"

	"github.com/petal-labs/toolgate/tool"
)

// CreateWallToolName is the tool each wall segment is dispatched to.
const CreateWallToolName = "revit.create_wall"

// CreateWallsFromLines dispatches one revit.create_wall call per line segment
// and collects the created element ids. Failed segments do not stop the run;
// they are reported in "errors".
func CreateWallsFromLines(ctx context.Context, args map[string]any, opts tool.HandlerOptions) (tool.Result, error) {
	if opts.Dispatcher == nil {
		return tool.Fail(tool.CodeHandlerError, "Workflow handler requires a dispatcher for sub-tool calls"), nil
	}
	lines, ok := args["lines"].([]any)
	if !ok {
		return tool.Result{}, fmt.Errorf("handlers: argument %q must be an array", "lines")
	}
	height, ok := args["height"]
	if !ok {
		return tool.Result{}, fmt.Errorf("handlers: missing argument %q", "height")
	}
	wallType, _ := args["wall_type"].(string)

	elementIDs := make([]any, 0, len(lines))
	errs := make([]string, 0)
	for i, raw := range lines {
		if err := ctx.Err(); err != nil {
			return tool.Result{}, err
		}
		line, ok := raw.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("Wall %d: %s - line must be an object", i, tool.CodeSchemaValidationFailed))
			continue
		}
		wallArgs := map[string]any{
			"start_point": line["start"],
			"end_point":   line["end"],
			"height":      height,
		}
		if wallType != "" {
			wallArgs["wall_type"] = wallType
		}

		res := opts.Dispatcher.Dispatch(ctx, CreateWallToolName, wallArgs)
		if !res.Success {
			errs = append(errs, fmt.Sprintf("Wall %d: %s - %s", i, res.ErrorCode, res.ErrorMessage))
			continue
		}
		if id, ok := res.Data["element_id"]; ok && id != nil {
			elementIDs = append(elementIDs, id)
		}
	}

	return tool.OK(map[string]any{
		"created_count": len(elementIDs),
		"element_ids":   elementIDs,
		"errors":        errs,
	}), nil
}
