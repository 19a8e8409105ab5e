package agent

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/convoy/internal/config"
	"github.com/nextlevelbuilder/convoy/internal/providers"
)

// EstimateTokensWithCalibration estimates the token count of history using
// the chars/3 heuristic (EstimateTokens), scaled by how far off that
// heuristic was against the provider's last reported prompt token count for
// the same prefix. This tracks per-model tokenizer behavior (e.g. CJK text
// undercounts, code overcounts) without needing a real tokenizer per provider.
func EstimateTokensWithCalibration(history []providers.Message, lastPromptTokens, lastMessageCount int) int {
	heuristic := EstimateTokens(history)
	if lastPromptTokens <= 0 || lastMessageCount <= 0 || lastMessageCount > len(history) {
		return heuristic
	}

	baseline := EstimateTokens(history[:lastMessageCount])
	if baseline <= 0 {
		return heuristic
	}

	calibration := float64(lastPromptTokens) / float64(baseline)
	return int(float64(heuristic) * calibration)
}

// pruneContextMessages trims or clears old tool results once the estimated
// history size crosses the configured fraction of the context window,
// keeping the most recent assistant turns untouched. A no-op unless
// cfg.Mode is "cache-ttl".
func pruneContextMessages(messages []providers.Message, contextWindow int, cfg *config.ContextPruningConfig) []providers.Message {
	if cfg == nil || cfg.Mode != "cache-ttl" || contextWindow <= 0 || len(messages) == 0 {
		return messages
	}

	softRatio := cfg.SoftTrimRatio
	if softRatio <= 0 {
		softRatio = 0.3
	}
	hardRatio := cfg.HardClearRatio
	if hardRatio <= 0 {
		hardRatio = 0.5
	}
	keepLastAssistants := cfg.KeepLastAssistants
	if keepLastAssistants <= 0 {
		keepLastAssistants = 3
	}
	minPrunableChars := cfg.MinPrunableToolChars
	if minPrunableChars <= 0 {
		minPrunableChars = 50000
	}

	estimate := EstimateTokens(messages)
	if float64(estimate) < float64(contextWindow)*softRatio {
		return messages
	}

	// Protect the tail: everything from the keepLastAssistants-th-from-last
	// assistant message onward is left untouched.
	protectedFrom := len(messages)
	assistantsSeen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			assistantsSeen++
			if assistantsSeen >= keepLastAssistants {
				protectedFrom = i
				break
			}
		}
	}

	prunableToolChars := 0
	for i := 0; i < protectedFrom; i++ {
		if messages[i].Role == "tool" {
			prunableToolChars += len(messages[i].Content)
		}
	}
	if prunableToolChars < minPrunableChars {
		return messages
	}

	hardClear := float64(estimate) >= float64(contextWindow)*hardRatio

	headChars, tailChars, maxChars := 1500, 1500, 4000
	if cfg.SoftTrim != nil {
		if cfg.SoftTrim.HeadChars > 0 {
			headChars = cfg.SoftTrim.HeadChars
		}
		if cfg.SoftTrim.TailChars > 0 {
			tailChars = cfg.SoftTrim.TailChars
		}
		if cfg.SoftTrim.MaxChars > 0 {
			maxChars = cfg.SoftTrim.MaxChars
		}
	}

	placeholder := "[Old tool result content cleared]"
	hardClearEnabled := true
	if cfg.HardClear != nil {
		if cfg.HardClear.Placeholder != "" {
			placeholder = cfg.HardClear.Placeholder
		}
		if cfg.HardClear.Enabled != nil {
			hardClearEnabled = *cfg.HardClear.Enabled
		}
	}

	out := make([]providers.Message, len(messages))
	copy(out, messages)
	for i := 0; i < protectedFrom; i++ {
		if out[i].Role != "tool" {
			continue
		}
		content := out[i].Content
		switch {
		case hardClear && hardClearEnabled:
			out[i].Content = placeholder
		case len(content) > maxChars:
			out[i].Content = content[:headChars] + "\n...[older tool output trimmed]...\n" + content[len(content)-tailChars:]
		}
	}
	return out
}

// memoryFlushSettings controls whether a reminder turn to persist durable
// facts runs just before a session is compacted.
type memoryFlushSettings struct {
	enabled             bool
	softThresholdTokens int
	prompt              string
	systemPrompt        string
}

// ResolveMemoryFlushSettings resolves memory-flush settings from compaction
// config, defaulting to enabled with a 4000 token soft threshold.
func ResolveMemoryFlushSettings(cfg *config.CompactionConfig) memoryFlushSettings {
	settings := memoryFlushSettings{enabled: true, softThresholdTokens: 4000}
	if cfg == nil || cfg.MemoryFlush == nil {
		return settings
	}
	mf := cfg.MemoryFlush
	if mf.Enabled != nil {
		settings.enabled = *mf.Enabled
	}
	if mf.SoftThresholdTokens > 0 {
		settings.softThresholdTokens = mf.SoftThresholdTokens
	}
	settings.prompt = mf.Prompt
	settings.systemPrompt = mf.SystemPrompt
	return settings
}

// shouldRunMemoryFlush reports whether a memory flush is due for this
// compaction cycle: memory must be enabled for the agent, flushing must be
// enabled, and this compaction cycle must not already have been flushed.
// tokenEstimate and settings.softThresholdTokens are not consulted.
func (l *Loop) shouldRunMemoryFlush(sessionKey string, tokenEstimate int, settings memoryFlushSettings) bool {
	if !settings.enabled || !l.hasMemory {
		return false
	}
	if l.sessions.GetMemoryFlushCompactionCount(sessionKey) > l.sessions.GetCompactionCount(sessionKey) {
		return false
	}
	return true
}

// runMemoryFlush asks the model, in a side conversation, to call out
// anything from the about-to-be-compacted history worth remembering across
// sessions, then marks this compaction cycle as flushed so it only runs
// once per cycle. The actual persistence happens through the memory_search
// index, built out-of-band (see cmd/gateway.go's setupMemory); the agent
// loop only needs to prompt for it and not repeat the prompt every turn.
func (l *Loop) runMemoryFlush(ctx context.Context, sessionKey string, settings memoryFlushSettings) {
	defer l.sessions.SetMemoryFlushDone(sessionKey)

	prompt := settings.prompt
	if prompt == "" {
		prompt = "Before this conversation's history is summarized and trimmed, note anything " +
			"worth remembering long-term (facts, preferences, decisions) in your reply so it can be indexed."
	}

	history := l.sessions.GetHistory(sessionKey)
	messages := make([]providers.Message, 0, len(history)+2)
	if settings.systemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: settings.systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: prompt})

	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Messages: messages,
		Model:    l.model,
		Options:  map[string]interface{}{"max_tokens": 512, "temperature": 0.2},
	})
	if err != nil {
		slog.Warn("memory flush failed", "session", sessionKey, "error", err)
		return
	}
	slog.Debug("memory flush completed", "session", sessionKey, "chars", len(resp.Content))
}
