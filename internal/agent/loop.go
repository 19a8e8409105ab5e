package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/convoy/internal/config"
	"github.com/nextlevelbuilder/convoy/internal/providers"
	"github.com/nextlevelbuilder/convoy/internal/skills"
	"github.com/nextlevelbuilder/convoy/internal/store"
	"github.com/nextlevelbuilder/convoy/internal/tools"
	"github.com/nextlevelbuilder/convoy/pkg/protocol"
)

// Loop is the agent execution loop for one agent instance: it drives the
// think → act → observe cycle against a provider and a tool registry until
// the conversation turn settles on a final reply.
type Loop struct {
	id            string
	provider      providers.Provider
	model         string
	contextWindow int
	maxIterations int
	workspace     string

	sessions        store.SessionStore
	tools           *tools.Registry
	toolPolicy      *tools.PolicyEngine    // optional: filters tools sent to LLM
	agentToolPolicy *config.ToolPolicySpec // per-agent tool policy from config (nil = no restrictions)
	activeRuns      atomic.Int32           // number of currently executing runs

	// Per-session summarization lock: prevents concurrent summarize goroutines for the same session.
	summarizeMu sync.Map // sessionKey → *sync.Mutex

	ownerIDs       []string
	skillsLoader   *skills.Loader
	skillAllowList []string // nil = all, [] = none, ["x","y"] = filter
	hasMemory      bool

	// Compaction config (memory flush settings)
	compactionCfg *config.CompactionConfig

	// Context pruning config (trim old tool results in-memory)
	contextPruningCfg *config.ContextPruningConfig

	// Event callback for broadcasting agent events (run.started, chunk, tool.call, etc.)
	onEvent func(event AgentEvent)

	// Security: input scanning and message size limit
	inputGuard      *InputGuard
	injectionAction string // "log", "warn" (default), "block", "off"
	maxMessageChars int    // 0 = use default (32000)

	// Global builtin tool settings (from builtin_tools config, shared across agents)
	builtinToolSettings tools.BuiltinToolSettings

	// Thinking level for extended thinking support ("off", "low", "medium", "high")
	thinkingLevel string
}

// AgentEvent is emitted during agent execution for broadcasting to clients.
type AgentEvent struct {
	Type    string      `json:"type"` // "run.started", "run.completed", "run.failed", "chunk", "tool.call", "tool.result"
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string
	ContextWindow int
	MaxIterations int
	Workspace     string
	Sessions      store.SessionStore
	Tools           *tools.Registry
	ToolPolicy      *tools.PolicyEngine
	AgentToolPolicy *config.ToolPolicySpec
	OnEvent         func(AgentEvent)

	OwnerIDs       []string
	SkillsLoader   *skills.Loader
	SkillAllowList []string
	HasMemory      bool

	CompactionCfg     *config.CompactionConfig
	ContextPruningCfg *config.ContextPruningConfig

	// Security: input guard for injection detection, max message size
	InputGuard      *InputGuard // nil = auto-create when InjectionAction != "off"
	InjectionAction string      // "log", "warn" (default), "block", "off"
	MaxMessageChars int         // 0 = use default (32000)

	BuiltinToolSettings tools.BuiltinToolSettings
	ThinkingLevel       string // "off", "low", "medium", "high"
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}

	action := cfg.InjectionAction
	switch action {
	case "log", "warn", "block", "off":
		// valid
	default:
		action = "warn"
	}

	guard := cfg.InputGuard
	if guard == nil && action != "off" {
		guard = NewInputGuard()
	}

	return &Loop{
		id:                  cfg.ID,
		provider:            cfg.Provider,
		model:               cfg.Model,
		contextWindow:       cfg.ContextWindow,
		maxIterations:       cfg.MaxIterations,
		workspace:           cfg.Workspace,
		sessions:            cfg.Sessions,
		tools:               cfg.Tools,
		toolPolicy:          cfg.ToolPolicy,
		agentToolPolicy:     cfg.AgentToolPolicy,
		onEvent:             cfg.OnEvent,
		ownerIDs:            cfg.OwnerIDs,
		skillsLoader:        cfg.SkillsLoader,
		skillAllowList:      cfg.SkillAllowList,
		hasMemory:           cfg.HasMemory,
		compactionCfg:       cfg.CompactionCfg,
		contextPruningCfg:   cfg.ContextPruningCfg,
		inputGuard:          guard,
		injectionAction:     action,
		maxMessageChars:     cfg.MaxMessageChars,
		builtinToolSettings: cfg.BuiltinToolSettings,
		thinkingLevel:       cfg.ThinkingLevel,
	}
}

// RunRequest is the input for processing a message through the agent.
type RunRequest struct {
	SessionKey        string // composite key: agent:{agentId}:{channel}:{peerKind}:{chatId}
	Message           string // user message
	Media             []string // local file paths to images (already sanitized)
	Channel           string // source channel
	ChatID            string // source chat ID
	PeerKind          string // "direct" or "group" (for session key building and tool context)
	RunID             string // unique run identifier
	UserID            string // external user ID (free-form) for multi-tenant scoping
	SenderID          string // original individual sender ID (preserved in group chats for permission checks)
	Stream            bool   // whether to stream response chunks
	ExtraSystemPrompt string // optional: injected into system prompt (skills, subagent context, etc.)
	HistoryLimit      int    // max user turns to keep in context (0=unlimited, from channel config)
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Status     string           `json:"status"` // "completed", "max_turns_reached", "stopped", "failed"
	Usage      *providers.Usage `json:"usage,omitempty"`
	Media      []MediaResult    `json:"media,omitempty"` // media files from tool results (MEDIA: prefix)
}

// MediaResult represents a media file produced by a tool during the agent run.
type MediaResult struct {
	Path        string `json:"path"`                    // local file path
	ContentType string `json:"content_type,omitempty"`  // MIME type
	AsVoice     bool   `json:"as_voice,omitempty"`       // send as voice message (Telegram OGG)
}

// agentLoopState tracks progress of one Run across turns.
type agentLoopState struct {
	status      string // "running", "completed", "failed", "max_turns_reached", "stopped"
	currentTurn int
	shouldContinue bool
	failReason  string
}

// thinkingCapable is implemented by providers that support extended thinking.
type thinkingCapable interface {
	SupportsThinking() bool
}

// Run processes a single message through the agent loop.
// It blocks until completion and returns the final response.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	l.emit(AgentEvent{Type: protocol.AgentEventRunStarted, AgentID: l.id, RunID: req.RunID})

	result, err := l.runLoop(ctx, req)
	if err != nil {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunFailed,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	l.emit(AgentEvent{Type: protocol.AgentEventRunCompleted, AgentID: l.id, RunID: req.RunID})
	return result, nil
}

// runLoop implements the turn loop: on each turn it calls the provider, and
// either executes the tool calls it asks for and continues, or treats a
// tool-call-free response as a candidate final answer.
func (l *Loop) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	if l.agentToolPolicy != nil {
		if l.agentToolPolicy.Vision != nil {
			ctx = tools.WithVisionConfig(ctx, l.agentToolPolicy.Vision)
		}
		if l.agentToolPolicy.ImageGen != nil {
			ctx = tools.WithImageGenConfig(ctx, l.agentToolPolicy.ImageGen)
		}
	}
	if l.builtinToolSettings != nil {
		ctx = tools.WithBuiltinToolSettings(ctx, l.builtinToolSettings)
	}

	// Per-user workspace isolation: each user gets a subdirectory within the
	// agent's workspace.
	effectiveWorkspace := l.workspace
	if l.workspace != "" && req.UserID != "" {
		effectiveWorkspace = filepath.Join(l.workspace, sanitizePathSegment(req.UserID))
		if err := os.MkdirAll(effectiveWorkspace, 0755); err != nil {
			slog.Warn("failed to create user workspace directory", "workspace", effectiveWorkspace, "user", req.UserID, "error", err)
		}
	}
	if effectiveWorkspace != "" {
		ctx = tools.WithToolWorkspace(ctx, effectiveWorkspace)
	}

	ctx = tools.WithToolChannel(ctx, req.Channel)
	ctx = tools.WithToolChatID(ctx, req.ChatID)
	ctx = tools.WithToolPeerKind(ctx, req.PeerKind)
	ctx = tools.WithToolSandboxKey(ctx, req.SessionKey)
	ctx = tools.WithSpawnDepth(ctx, 0)

	if req.UserID != "" {
		l.sessions.SetAgentInfo(req.SessionKey, uuid.Nil, req.UserID)
	}

	// Security: scan user message for injection patterns before it ever
	// reaches the model. Action is configurable: "log", "warn" (default),
	// "block" (reject the message outright).
	if l.inputGuard != nil {
		if matches := l.inputGuard.Scan(req.Message); len(matches) > 0 {
			matchStr := strings.Join(matches, ",")
			switch l.injectionAction {
			case "block":
				slog.Warn("security.injection_blocked", "agent", l.id, "user", req.UserID, "patterns", matchStr, "message_len", len(req.Message))
				return nil, fmt.Errorf("message blocked: potential prompt injection detected (%s)", matchStr)
			case "log":
				slog.Info("security.injection_detected", "agent", l.id, "user", req.UserID, "patterns", matchStr, "message_len", len(req.Message))
			default: // "warn"
				slog.Warn("security.injection_detected", "agent", l.id, "user", req.UserID, "patterns", matchStr, "message_len", len(req.Message))
			}
		}
	}

	maxChars := l.maxMessageChars
	if maxChars <= 0 {
		maxChars = 32_000
	}
	if len(req.Message) > maxChars {
		originalLen := len(req.Message)
		req.Message = req.Message[:maxChars] +
			fmt.Sprintf("\n\n[System: Message was truncated from %d to %d characters due to size limit. "+
				"Please ask the user to send shorter messages or use the read_file tool for large content.]",
				originalLen, maxChars)
		slog.Warn("security.message_truncated", "agent", l.id, "user", req.UserID, "original_len", originalLen, "truncated_to", maxChars)
	}

	// Cache agent's context window on the session (first run only), so a
	// scheduler's adaptive throttle can use the real value.
	if l.sessions.GetContextWindow(req.SessionKey) <= 0 {
		l.sessions.SetContextWindow(req.SessionKey, l.contextWindow)
	}

	history := l.sessions.GetHistory(req.SessionKey)
	summary := l.sessions.GetSummary(req.SessionKey)
	messages := l.buildMessages(ctx, history, summary, req.Message, req.ExtraSystemPrompt, req.SessionKey, req.Channel, req.UserID, req.HistoryLimit)

	// Attach vision images to the current (last) user message. Images are
	// only attached to the live request, never persisted in session history.
	if len(req.Media) > 0 {
		if images := loadImages(req.Media); len(images) > 0 {
			messages[len(messages)-1].Images = images
			ctx = tools.WithMediaImages(ctx, images)
			slog.Info("vision: attached images to user message", "count", len(images), "agent", l.id, "session", req.SessionKey)
		}
		for _, p := range req.Media {
			if err := os.Remove(p); err != nil {
				slog.Debug("vision: failed to clean temp media file", "path", p, "error", err)
			}
		}
	}

	// Buffer new messages — write to session only after the run completes,
	// so concurrent runs never see each other's in-progress messages.
	var pendingMsgs []providers.Message
	pendingMsgs = append(pendingMsgs, providers.Message{Role: "user", Content: req.Message})

	state := &agentLoopState{status: "running", shouldContinue: true}
	var totalUsage providers.Usage
	var finalContent string
	var mediaResults []MediaResult
	var prevToolCalls []providers.ToolCall
	throttle := newStreamThrottle()

	for state.currentTurn < l.maxIterations && state.shouldContinue {
		state.currentTurn++

		if ctx.Err() != nil {
			state.status = "stopped"
			break
		}

		resp, err := l.callProvider(ctx, messages, req, throttle)
		if err != nil {
			return nil, fmt.Errorf("LLM call failed (turn %d): %w", state.currentTurn, err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		toolCalls := resp.ToolCalls
		if len(toolCalls) == 0 {
			toolCalls = parseImplicitToolCalls(resp.Content)
		}

		if len(toolCalls) == 0 {
			finalContent = resp.Content
			state.shouldContinue = l.checkShouldContinue(state, resp)
			if !state.shouldContinue {
				state.status = "completed"
			}
			continue
		}

		if sameToolCalls(prevToolCalls, toolCalls) {
			state.status = "failed"
			state.failReason = "repeated_tool_calls"
			finalContent = "I was unable to complete this task — I kept calling the same tool with the same arguments without making progress. Please try rephrasing your request."
			break
		}
		prevToolCalls = toolCalls

		if l.tools == nil {
			state.status = "failed"
			state.failReason = "tool_calls_requested_but_handler_missing"
			return nil, fmt.Errorf("turn %d: model requested tool calls but no tool registry is configured", state.currentTurn)
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: toolCalls, RawAssistantContent: resp.RawAssistantContent}
		messages = append(messages, assistantMsg)
		pendingMsgs = append(pendingMsgs, assistantMsg)

		toolMsgs, collectedMedia := l.executeToolCalls(ctx, req, toolCalls)
		mediaResults = append(mediaResults, collectedMedia...)
		messages = append(messages, toolMsgs...)
		pendingMsgs = append(pendingMsgs, toolMsgs...)
	}

	if state.status == "running" && state.currentTurn >= l.maxIterations {
		state.status = "max_turns_reached"
	}

	finalContent = SanitizeAssistantContent(finalContent)
	isSilent := IsSilentReply(finalContent)
	if finalContent == "" {
		finalContent = "..."
	}

	pendingMsgs = append(pendingMsgs, providers.Message{Role: "assistant", Content: finalContent})
	for _, msg := range pendingMsgs {
		l.sessions.AddMessage(req.SessionKey, msg)
	}

	l.sessions.UpdateMetadata(req.SessionKey, l.model, l.provider.Name(), req.Channel)
	l.sessions.AccumulateTokens(req.SessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))

	// Calibrate token estimation: store actual prompt tokens + message count
	// so the next EstimateTokensWithCalibration call scales the chars/3
	// heuristic against real provider usage instead of a flat guess.
	if totalUsage.PromptTokens > 0 {
		msgCount := len(history) + len(pendingMsgs)
		l.sessions.SetLastPromptTokens(req.SessionKey, totalUsage.PromptTokens, msgCount)
	}
	l.sessions.Save(req.SessionKey)

	if isSilent {
		slog.Info("agent loop: silent reply detected, suppressing delivery", "agent", l.id, "session", req.SessionKey)
		finalContent = ""
	}

	l.maybeSummarize(ctx, req.SessionKey)

	return &RunResult{
		Content:    finalContent,
		RunID:      req.RunID,
		Iterations: state.currentTurn,
		Status:     state.status,
		Usage:      &totalUsage,
		Media:      mediaResults,
	}, nil
}

// callProvider issues one provider call for the current turn, streaming
// through a rate-limited throttle when req.Stream is set.
func (l *Loop) callProvider(ctx context.Context, messages []providers.Message, req RunRequest, throttle *streamThrottle) (*providers.ChatResponse, error) {
	var toolDefs []providers.ToolDefinition
	if l.toolPolicy != nil {
		toolDefs = l.toolPolicy.FilterTools(l.tools, l.id, l.provider.Name(), l.agentToolPolicy, nil, false, false)
	} else if l.tools != nil {
		toolDefs = l.tools.Definitions(nil)
	}

	chatReq := providers.ChatRequest{
		Messages: messages,
		Tools:    toolDefs,
		Model:    l.model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   8192,
			providers.OptTemperature: 0.7,
		},
	}
	if l.thinkingLevel != "" && l.thinkingLevel != "off" {
		if tc, ok := l.provider.(thinkingCapable); ok && tc.SupportsThinking() {
			chatReq.Options[providers.OptThinkingLevel] = l.thinkingLevel
		} else {
			slog.Debug("thinking_level ignored: provider does not support thinking", "provider", l.provider.Name(), "level", l.thinkingLevel)
		}
	}

	if !req.Stream {
		return l.provider.Chat(ctx, chatReq)
	}

	resp, err := l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
		if chunk.Thinking != "" {
			l.emit(AgentEvent{Type: protocol.ChatEventThinking, AgentID: l.id, RunID: req.RunID, Payload: map[string]string{"content": chunk.Thinking}})
		}
		if chunk.Content != "" {
			if text, ok := throttle.Add(chunk.Content); ok {
				l.emit(AgentEvent{Type: protocol.ChatEventChunk, AgentID: l.id, RunID: req.RunID, Payload: map[string]string{"content": text}})
			}
		}
	})
	if err == nil {
		if text, ok := throttle.Final(); ok {
			l.emit(AgentEvent{Type: protocol.ChatEventChunk, AgentID: l.id, RunID: req.RunID, Payload: map[string]string{"content": text}})
		}
	}
	return resp, err
}

// checkShouldContinue decides whether a tool-call-free response should end
// the run or prompt another turn. Defaults to false (end the run); agents
// with multi-step plans can be extended to override this via config later.
func (l *Loop) checkShouldContinue(state *agentLoopState, resp *providers.ChatResponse) bool {
	return false
}

// sameToolCalls reports whether two turns requested the exact same tool
// names with the exact same arguments, in order — the repeat-guard that
// stops a model looping on a tool call that never makes progress.
func sameToolCalls(a, b []providers.ToolCall) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
		aArgs, _ := json.Marshal(a[i].Arguments)
		bArgs, _ := json.Marshal(b[i].Arguments)
		if string(aArgs) != string(bArgs) {
			return false
		}
	}
	return true
}

// executeToolCalls runs every requested tool call — sequentially for one
// call, concurrently for several — and returns the resulting tool messages
// in original order plus any media results it collected.
func (l *Loop) executeToolCalls(ctx context.Context, req RunRequest, calls []providers.ToolCall) ([]providers.Message, []MediaResult) {
	if len(calls) == 1 {
		msg, media := l.executeOneToolCall(ctx, req, calls[0])
		if media != nil {
			return []providers.Message{msg}, []MediaResult{*media}
		}
		return []providers.Message{msg}, nil
	}

	type indexedResult struct {
		idx   int
		msg   providers.Message
		media *MediaResult
	}

	for _, tc := range calls {
		l.emit(AgentEvent{Type: protocol.AgentEventToolCall, AgentID: l.id, RunID: req.RunID, Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID}})
	}

	resultCh := make(chan indexedResult, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			msg, media := l.runToolCall(ctx, tc)
			resultCh <- indexedResult{idx: idx, msg: msg, media: media}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexedResult, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	msgs := make([]providers.Message, 0, len(collected))
	var media []MediaResult
	for _, r := range collected {
		l.emit(AgentEvent{Type: protocol.AgentEventToolResult, AgentID: l.id, RunID: req.RunID, Payload: map[string]interface{}{"name": calls[r.idx].Name, "id": r.msg.ToolCallID, "is_error": false}})
		msgs = append(msgs, r.msg)
		if r.media != nil {
			media = append(media, *r.media)
		}
	}
	return msgs, media
}

// executeOneToolCall runs a single tool call sequentially, emitting the
// call/result events around it (used on the common single-call path so it
// doesn't pay goroutine overhead).
func (l *Loop) executeOneToolCall(ctx context.Context, req RunRequest, tc providers.ToolCall) (providers.Message, *MediaResult) {
	argsJSON, _ := json.Marshal(tc.Arguments)
	l.emit(AgentEvent{Type: protocol.AgentEventToolCall, AgentID: l.id, RunID: req.RunID, Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID}})
	slog.Info("tool call", "agent", l.id, "tool", tc.Name, "args_len", len(argsJSON))

	msg, media := l.runToolCall(ctx, tc)

	isError := false
	l.emit(AgentEvent{Type: protocol.AgentEventToolResult, AgentID: l.id, RunID: req.RunID, Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID, "is_error": isError}})
	return msg, media
}

// runToolCall executes one tool call against the registry and converts its
// result into a tool-role message plus any media path it produced.
func (l *Loop) runToolCall(ctx context.Context, tc providers.ToolCall) (providers.Message, *MediaResult) {
	result := l.tools.Execute(ctx, tc.Name, tc.Arguments)

	if result.IsError {
		errMsg := result.ForLLM
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		slog.Warn("tool error", "agent", l.id, "tool", tc.Name, "error", errMsg)
	}

	var media *MediaResult
	if mr := parseMediaResult(result.ForLLM); mr != nil {
		media = mr
	}

	return providers.Message{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID}, media
}

// parseMediaResult extracts a MediaResult from a tool result string containing "MEDIA:" prefix.
// Handles formats: "MEDIA:/path/to/file" and "[[audio_as_voice]]\nMEDIA:/path/to/file".
// Returns nil if no MEDIA: prefix is found.
func parseMediaResult(toolOutput string) *MediaResult {
	s := toolOutput
	asVoice := false

	if strings.Contains(s, "[[audio_as_voice]]") {
		asVoice = true
		s = strings.ReplaceAll(s, "[[audio_as_voice]]", "")
		s = strings.TrimSpace(s)
	}

	idx := strings.Index(s, "MEDIA:")
	if idx < 0 {
		return nil
	}
	path := strings.TrimSpace(s[idx+6:])
	if path == "" {
		return nil
	}
	if nl := strings.IndexByte(path, '\n'); nl >= 0 {
		path = strings.TrimSpace(path[:nl])
	}

	return &MediaResult{
		Path:        path,
		ContentType: mimeFromExt(filepath.Ext(path)),
		AsVoice:     asVoice,
	}
}

// mimeFromExt returns a MIME type for common media file extensions.
func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// sanitizePathSegment makes a userID safe for use as a directory name.
// Replaces colons, spaces, and other unsafe chars with underscores.
func sanitizePathSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
