package agent

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// streamMinChars and streamFlushInterval bound how often partial content is
// pushed to on_stream: whichever condition is hit first triggers a flush.
const (
	streamMinChars      = 40
	streamFlushInterval = 250 * time.Millisecond
	streamDedupeWindow  = 30 * time.Second
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// secretTokenPatterns match common API-key/token shapes so a leaked
// credential echoed back by a tool or the model never reaches a client mid-stream.
var secretTokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{20,}`),
}

// cliNoiseLine matches lines that are shell prompts or progress artifacts,
// not conversational content — leftovers from a tool invocation echoed
// into model output.
var cliNoiseLine = regexp.MustCompile(`^\s*(\$\s|#\s|>>>\s|\[[0-9]+%\]|\.{3,})`)

// streamThrottle buffers streamed content and decides when to flush it to
// on_stream, applying the sanitizer and a same-content dedupe window to
// each emission.
type streamThrottle struct {
	buf       strings.Builder
	lastFlush time.Time

	mu     sync.Mutex
	recent map[string]time.Time
}

func newStreamThrottle() *streamThrottle {
	return &streamThrottle{lastFlush: time.Now(), recent: make(map[string]time.Time)}
}

// Add appends a chunk and returns sanitized text to emit, if a flush is due.
func (t *streamThrottle) Add(chunk string) (string, bool) {
	t.buf.WriteString(chunk)
	if t.buf.Len() < streamMinChars && time.Since(t.lastFlush) < streamFlushInterval {
		return "", false
	}
	return t.flush()
}

// Final flushes any remaining buffered content unconditionally, e.g. once
// the provider's stream has ended.
func (t *streamThrottle) Final() (string, bool) {
	return t.flush()
}

func (t *streamThrottle) flush() (string, bool) {
	raw := t.buf.String()
	t.buf.Reset()
	t.lastFlush = time.Now()
	if raw == "" {
		return "", false
	}

	sanitized := sanitizeStreamChunk(raw)
	if sanitized == "" {
		return "", false
	}
	if t.isDuplicate(sanitized) {
		return "", false
	}
	return sanitized, true
}

func (t *streamThrottle) isDuplicate(s string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for k, at := range t.recent {
		if now.Sub(at) > streamDedupeWindow {
			delete(t.recent, k)
		}
	}
	if at, ok := t.recent[s]; ok && now.Sub(at) <= streamDedupeWindow {
		return true
	}
	t.recent[s] = now
	return false
}

// sanitizeStreamChunk strips ANSI escape codes, secret-looking tokens,
// CLI-noise lines, and echoed system-prompt fragments from a partial chunk
// of streamed model output before it reaches a client.
func sanitizeStreamChunk(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")

	for _, re := range secretTokenPatterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}

	if strings.Contains(s, "\n") {
		lines := strings.Split(s, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if cliNoiseLine.MatchString(line) {
				continue
			}
			kept = append(kept, line)
		}
		s = strings.Join(kept, "\n")
	}

	s = stripEchoedSystemMessages(s)
	return s
}
