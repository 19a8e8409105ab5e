package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/convoy/internal/providers"
	"github.com/nextlevelbuilder/convoy/internal/store"
)

// ============================================================
// sessions_send
// ============================================================

// SessionsSendTool delivers a message directly into another session's
// history, to be picked up the next time that session's agent loop runs.
// Scoped to the calling agent: a session key outside "agent:<agentID>:" is refused.
type SessionsSendTool struct {
	sessions store.SessionStore
}

func NewSessionsSendTool() *SessionsSendTool {
	return &SessionsSendTool{}
}

func (t *SessionsSendTool) SetSessionStore(s store.SessionStore) { t.sessions = s }

func (t *SessionsSendTool) Name() string { return "sessions_send" }
func (t *SessionsSendTool) Description() string {
	return "Send a message into another session. Use session_key or label to identify the target."
}

func (t *SessionsSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Target session key",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Target session label (alternative to session_key)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to send",
			},
		},
		"required": []string{"message"},
	}
}

func (t *SessionsSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	sessionKey, _ := args["session_key"].(string)
	label, _ := args["label"].(string)
	message, _ := args["message"].(string)

	if message == "" {
		return ErrorResult("message is required")
	}
	if sessionKey == "" && label == "" {
		return ErrorResult("either session_key or label is required")
	}

	agentID := resolveAgentIDString(ctx)

	// Resolve by label if needed
	if sessionKey == "" && label != "" {
		for _, s := range t.sessions.List(agentID) {
			data := t.sessions.GetOrCreate(s.Key)
			if data.Label == label {
				sessionKey = s.Key
				break
			}
		}
		if sessionKey == "" {
			return ErrorResult(fmt.Sprintf("no session found with label: %s", label))
		}
	}

	// Security: target session must belong to this agent.
	if agentID != "" && !strings.HasPrefix(sessionKey, "agent:"+agentID+":") {
		return ErrorResult("access denied: target session belongs to a different agent")
	}

	t.sessions.AddMessage(sessionKey, providers.Message{Role: "user", Content: message})

	return SilentResult(fmt.Sprintf(`{"status":"delivered","session_key":"%s"}`, sessionKey))
}
