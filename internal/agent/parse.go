package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/convoy/internal/providers"
)

const (
	orchToolCallsStart = "<<ORCH_TOOL_CALLS>>"
	orchToolCallsEnd   = "<<ORCH_TOOL_CALLS_END>>"
)

var fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// implicitToolCallsDoc is the shape an LLM falls back to emitting as plain
// text when its provider integration doesn't support structured tool calls.
type implicitToolCallsDoc struct {
	ToolCalls []implicitToolCall `json:"tool_calls"`
}

type implicitToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// parseImplicitToolCalls looks for a tool-call payload embedded in freeform
// response text, trying in order: explicit <<ORCH_TOOL_CALLS>> markers,
// fenced ```json``` blocks, and a balanced-brace scan anchored on a
// "tool_calls" or "id":"call_" marker. Returns nil if none is found.
func parseImplicitToolCalls(content string) []providers.ToolCall {
	if calls := parseMarkerToolCalls(content); len(calls) > 0 {
		return calls
	}
	if calls := parseFencedToolCalls(content); len(calls) > 0 {
		return calls
	}
	return parseBalancedBraceToolCalls(content)
}

func parseMarkerToolCalls(content string) []providers.ToolCall {
	start := strings.Index(content, orchToolCallsStart)
	if start < 0 {
		return nil
	}
	start += len(orchToolCallsStart)
	end := strings.Index(content[start:], orchToolCallsEnd)
	if end < 0 {
		return nil
	}
	return decodeToolCallsJSON(strings.TrimSpace(content[start : start+end]))
}

func parseFencedToolCalls(content string) []providers.ToolCall {
	for _, m := range fencedJSONBlock.FindAllStringSubmatch(content, -1) {
		if calls := decodeToolCallsJSON(strings.TrimSpace(m[1])); len(calls) > 0 {
			return calls
		}
	}
	return nil
}

func parseBalancedBraceToolCalls(content string) []providers.ToolCall {
	anchor := strings.Index(content, `"tool_calls"`)
	if anchor < 0 {
		anchor = strings.Index(content, `"id":"call_`)
	}
	if anchor < 0 {
		return nil
	}
	start, end, ok := findEnclosingObject(content, anchor)
	if !ok {
		return nil
	}
	return decodeToolCallsJSON(content[start:end])
}

// findEnclosingObject returns the [start,end) byte range of the smallest
// brace-balanced JSON object in s that contains byte offset pos.
func findEnclosingObject(s string, pos int) (int, int, bool) {
	if pos < 0 || pos >= len(s) {
		return 0, 0, false
	}

	depth := 0
	start := -1
	for i := pos; i >= 0; i-- {
		switch s[i] {
		case '}':
			depth++
		case '{':
			if depth == 0 {
				start = i
			} else {
				depth--
			}
		}
		if start != -1 {
			break
		}
	}
	if start == -1 {
		return 0, 0, false
	}

	depth = 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1, true
			}
		}
	}
	return 0, 0, false
}

// decodeToolCallsJSON parses span as either {"tool_calls": [...]} or a bare
// [...] array of {name, arguments} objects, and assigns synthetic call IDs
// to any entry missing one.
func decodeToolCallsJSON(span string) []providers.ToolCall {
	if span == "" {
		return nil
	}

	var doc implicitToolCallsDoc
	if err := json.Unmarshal([]byte(span), &doc); err != nil || len(doc.ToolCalls) == 0 {
		var bare []implicitToolCall
		if err := json.Unmarshal([]byte(span), &bare); err != nil || len(bare) == 0 {
			return nil
		}
		doc.ToolCalls = bare
	}
	calls := doc.ToolCalls

	out := make([]providers.ToolCall, 0, len(calls))
	for i, c := range calls {
		if c.Name == "" {
			continue
		}
		id := c.ID
		if id == "" {
			id = "call_" + strconv.Itoa(i)
		}
		out = append(out, providers.ToolCall{ID: id, Name: c.Name, Arguments: c.Arguments})
	}
	return out
}
