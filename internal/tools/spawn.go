package tools

import (
	"context"
	"fmt"
)

// SpawnTool lets an agent fork a sub-agent to work a focused task and
// return its result inline, synchronously, within the current turn.
// It is registered once in the shared tool registry; the spawning
// agent/session and nesting depth are read from context per call, the
// same way SessionsListTool and friends resolve their caller identity.
type SpawnTool struct {
	mgr *SubagentManager
}

func NewSpawnTool(mgr *SubagentManager) *SpawnTool {
	return &SpawnTool{mgr: mgr}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a sub-agent to work on a focused task in isolation, and return its final result."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the sub-agent to complete",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for this sub-agent (optional)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.mgr == nil {
		return ErrorResult("subagent manager not available")
	}
	task, _ := args["task"].(string)
	label, _ := args["label"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}

	parentID := ToolSandboxKeyFromCtx(ctx)
	depth := SpawnDepthFromCtx(ctx)

	result, iterations, err := t.mgr.RunSync(ctx, parentID, depth, task, label)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Subagent completed in %d iterations:\n\n%s", iterations, result))
}
