// Package approval implements the Approval Service (C7): a pending-request
// map resolved by text-reply decision tokens or platform reactions, with a
// monotone status DAG and idempotent reaction handling.
package approval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status is the closed set of approval request states. pending is the
// only non-terminal state; once a request leaves pending it never
// returns (spec invariant iii).
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusDeferred Status = "deferred"
	StatusCancelled Status = "cancelled"
	StatusClarify  Status = "clarify"
)

// Decision is the resolved meaning of a text reply or reaction.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionDefer   Decision = "defer"
	DecisionCancel  Decision = "cancel"
	DecisionClarify Decision = "clarify"
)

// Context carries the chat location a request was raised in.
type Context struct {
	Provider string
	ChatID   string
	SenderID string
	TaskID   string
}

// Executor runs the originally-requested tool call once a request is
// approved. It returns a result string (truncated for the outbound reply)
// or an error.
type Executor func(ctx context.Context, toolName string, params map[string]any) (string, error)

// Request is a pending side-effect gated on human consent.
type Request struct {
	RequestID string
	ToolName  string
	Params    map[string]any
	CreatedAt time.Time
	Status    Status
	Context   Context

	// Result and ResultErr are populated on the snapshot returned from
	// ResolveText/ResolveReaction when the decision was approve and
	// execution ran; they are not part of the persisted pending-request
	// state.
	Result    string
	ResultErr error
}

const resultTruncateLen = 1600

// decisionTokens maps an exact (case-insensitive) text token to a Decision,
// per spec.md §4.6. Tokens are matched standalone within a reply.
var decisionTokens = map[string]Decision{
	"✅": DecisionApprove, "yes": DecisionApprove, "승인": DecisionApprove,
	"❌": DecisionDeny, "no": DecisionDeny, "거절": DecisionDeny,
	"⏸️": DecisionDefer, "later": DecisionDefer, "보류": DecisionDefer,
	"⛔": DecisionCancel, "stop": DecisionCancel, "취소": DecisionCancel,
}

// reactionTable maps a platform reaction name (Slack-only) to a Decision.
var reactionTable = map[string]Decision{
	"white_check_mark": DecisionApprove,
	"heavy_check_mark": DecisionApprove,
	"x":                DecisionDeny,
	"no_entry_sign":    DecisionDeny,
	"hourglass":        DecisionDefer,
	"octagonal_sign":   DecisionCancel,
}

func decisionStatus(d Decision) Status {
	switch d {
	case DecisionApprove:
		return StatusApproved
	case DecisionDeny:
		return StatusDenied
	case DecisionDefer:
		return StatusDeferred
	case DecisionCancel:
		return StatusCancelled
	default:
		return StatusClarify
	}
}

// ParseDecision extracts a Decision and optional request_id from free text.
// Returns ok=false if the text contains none of the known tokens.
func ParseDecision(text string) (d Decision, requestID string, ok bool) {
	lower := strings.ToLower(text)
	if i := strings.Index(lower, "request_id:"); i >= 0 {
		rest := text[i+len("request_id:"):]
		requestID = strings.Fields(rest)[0]
	}

	fields := strings.Fields(lower)
	for _, f := range fields {
		f = strings.Trim(f, ".,!?:")
		if dec, found := decisionTokens[f]; found {
			return dec, requestID, true
		}
	}
	// also check raw (non-lowercased) for emoji tokens that strings.ToLower
	// leaves untouched but Fields-splitting may merge with punctuation.
	// Word tokens (yes/no/승인/...) only match as whole fields above.
	for token, dec := range decisionTokens {
		if r, _ := utf8.DecodeRuneInString(token); unicode.IsLetter(r) {
			continue
		}
		if strings.Contains(text, token) {
			return dec, requestID, true
		}
	}
	return "", requestID, false
}

// Service manages the pending-request map and resolves decisions.
type Service struct {
	mu       sync.Mutex
	pending  map[string]*Request
	seenReact map[string]time.Time
	exec     Executor
	now      func() time.Time
}

// New creates a Service whose approved requests are executed via exec.
func New(exec Executor) *Service {
	return &Service{
		pending:   make(map[string]*Request),
		seenReact: make(map[string]time.Time),
		exec:      exec,
		now:       time.Now,
	}
}

// Register creates a new pending request and returns its id.
func (s *Service) Register(toolName string, params map[string]any, ctx Context) *Request {
	req := &Request{
		RequestID: uuid.NewString(),
		ToolName:  toolName,
		Params:    params,
		CreatedAt: s.now(),
		Status:    StatusPending,
		Context:   ctx,
	}
	s.mu.Lock()
	s.pending[req.RequestID] = req
	s.mu.Unlock()
	return req
}

// Get returns a snapshot of the request by id.
func (s *Service) Get(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pending[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// oldestPendingLocked finds the oldest pending request in (provider, chatID).
// Caller must hold s.mu.
func (s *Service) oldestPendingLocked(provider, chatID string) *Request {
	var oldest *Request
	for _, r := range s.pending {
		if r.Status != StatusPending {
			continue
		}
		if r.Context.Provider != provider || r.Context.ChatID != chatID {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	return oldest
}

// ResolveText handles an inbound text reply that may contain a decision
// token and/or an explicit request_id. Returns ok=false if no decision
// token was present or no matching pending request was found.
func (s *Service) ResolveText(ctx context.Context, provider, chatID, text string) (Request, Decision, bool) {
	decision, requestID, found := ParseDecision(text)
	if !found {
		return Request{}, "", false
	}

	s.mu.Lock()
	var target *Request
	if requestID != "" {
		target = s.pending[requestID]
	} else {
		target = s.oldestPendingLocked(provider, chatID)
	}
	if target == nil || target.Status != StatusPending {
		s.mu.Unlock()
		return Request{}, decision, false
	}
	target.Status = decisionStatus(decision)
	snapshot := *target
	s.mu.Unlock()

	s.maybeExecute(ctx, &snapshot)
	return snapshot, decision, true
}

// ResolveReaction handles a platform reaction (Slack-only per spec) on a
// bot message whose text contains a request_id. Idempotent: the same
// (provider, chat_id, request_id, decision, sorted reactions) tuple
// produces no further action on repeat.
func (s *Service) ResolveReaction(ctx context.Context, provider, chatID, requestID string, reactions []string) (Request, Decision, bool) {
	sorted := append([]string(nil), reactions...)
	sort.Strings(sorted)

	var decision Decision
	for _, r := range sorted {
		if d, ok := reactionTable[r]; ok {
			decision = d
			break
		}
	}
	if decision == "" {
		return Request{}, "", false
	}

	seenKey := fmt.Sprintf("%s:%s:%s:%s:%s", provider, chatID, requestID, decision, strings.Join(sorted, ","))

	s.mu.Lock()
	if _, dup := s.seenReact[seenKey]; dup {
		s.mu.Unlock()
		return Request{}, decision, false
	}
	s.seenReact[seenKey] = s.now()

	target, ok := s.pending[requestID]
	if !ok || target.Status != StatusPending {
		s.mu.Unlock()
		return Request{}, decision, false
	}
	target.Status = decisionStatus(decision)
	snapshot := *target
	s.mu.Unlock()

	s.maybeExecute(ctx, &snapshot)
	return snapshot, decision, true
}

func (s *Service) maybeExecute(ctx context.Context, req *Request) {
	if req.Status != StatusApproved || s.exec == nil {
		return
	}
	req.Result, req.ResultErr = s.exec(ctx, req.ToolName, req.Params)
}

// Truncate caps s at resultTruncateLen runes, matching the outbound
// approval_result content cap.
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= resultTruncateLen {
		return s
	}
	return string(r[:resultTruncateLen])
}
