package agent

import (
	"unicode/utf8"

	"github.com/nextlevelbuilder/convoy/internal/providers"
)

func (l *Loop) emit(event AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

// ID returns the agent's identifier.
func (l *Loop) ID() string { return l.id }

// Model returns the model identifier for this agent loop.
func (l *Loop) Model() string { return l.model }

// IsRunning returns whether the agent is currently processing.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// truncateStr truncates s to at most maxLen runes, appending "..." when cut.
func truncateStr(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen < 0 {
		maxLen = 0
	}
	return string(runes[:maxLen]) + "..."
}

// EstimateTokens gives a rough token count for a message slice using a
// chars/3 heuristic. Calibrated against real provider usage numbers by
// EstimateTokensWithCalibration once a session has at least one LLM response.
func EstimateTokens(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 3
}
