// Package skills loads SKILL.md-defined capabilities from a skills
// directory and exposes them to the agent loop as either an inlined
// system-prompt summary or an executable subprocess.
package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Meta is the YAML frontmatter parsed from a skill's SKILL.md.
type Meta struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Parameters  map[string]Param `yaml:"parameters"`
	Required    []string         `yaml:"required"`
	Timeout     int              `yaml:"timeout"`    // seconds, default 30
	Entrypoint  string           `yaml:"entrypoint"` // default: main.py
}

// Param describes a single skill parameter.
type Param struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// Skill is one loaded, executable skill.
type Skill struct {
	Meta    Meta
	Dir     string
	Healthy bool
	Fails   int
}

// maxFailures disables a skill after this many consecutive execution errors.
const maxFailures = 3

// Summary is the brief view used in listings and the system prompt.
type Summary struct {
	Name        string
	Description string
}

// Loader scans, loads, and executes skills from a directory.
type Loader struct {
	mu     sync.RWMutex
	skills map[string]*Skill
	dir    string
}

// NewLoader constructs a Loader rooted at dir. dir may not exist yet;
// LoadAll treats a missing directory as zero skills rather than an error.
func NewLoader(dir string) *Loader {
	return &Loader{skills: make(map[string]*Skill), dir: dir}
}

// LoadAll scans the skills directory and (re)loads every valid skill,
// replacing the previous set. Safe to call repeatedly for hot-reload.
func (l *Loader) LoadAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.skills = make(map[string]*Skill)
			return nil
		}
		return fmt.Errorf("reading skills dir: %w", err)
	}

	loaded := make(map[string]*Skill, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.dir, entry.Name())
		skill, err := loadSkill(dir)
		if err != nil {
			continue // skip invalid skills silently, matching teacher behavior
		}
		if prev, ok := l.skills[skill.Meta.Name]; ok {
			skill.Healthy = prev.Healthy
			skill.Fails = prev.Fails
		}
		loaded[skill.Meta.Name] = skill
	}
	l.skills = loaded
	return nil
}

func loadSkill(dir string) (*Skill, error) {
	data, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return nil, fmt.Errorf("reading SKILL.md: %w", err)
	}
	meta, err := parseFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(dir)
	}
	if meta.Entrypoint == "" {
		meta.Entrypoint = "main.py"
	}
	if meta.Timeout <= 0 {
		meta.Timeout = 30
	}
	if _, err := os.Stat(filepath.Join(dir, meta.Entrypoint)); err != nil {
		return nil, fmt.Errorf("entrypoint not found: %s", meta.Entrypoint)
	}
	return &Skill{Meta: meta, Dir: dir, Healthy: true}, nil
}

func parseFrontmatter(data []byte) (Meta, error) {
	content := strings.TrimSpace(string(data))
	if !strings.HasPrefix(content, "---") {
		return Meta{}, fmt.Errorf("no frontmatter found")
	}
	rest := content[3:]
	end := strings.Index(rest, "---")
	if end < 0 {
		return Meta{}, fmt.Errorf("unclosed frontmatter")
	}
	var meta Meta
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return Meta{}, fmt.Errorf("parsing yaml: %w", err)
	}
	return meta, nil
}

// Get returns a loaded skill by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// allowed reports whether name passes allowList (nil = all allowed,
// empty non-nil slice = none allowed).
func allowed(name string, allowList []string) bool {
	if allowList == nil {
		return true
	}
	for _, a := range allowList {
		if a == name {
			return true
		}
	}
	return false
}

// FilterSkills returns a summary of every healthy skill whose name passes
// allowList, sorted by name.
func (l *Loader) FilterSkills(allowList []string) []Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Summary
	for _, s := range l.skills {
		if !s.Healthy || !allowed(s.Meta.Name, allowList) {
			continue
		}
		out = append(out, Summary{Name: s.Meta.Name, Description: s.Meta.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuildSummary renders an <available_skills> XML block listing every healthy
// skill that passes allowList, for inlining directly into the system prompt.
func (l *Loader) BuildSummary(allowList []string) string {
	filtered := l.FilterSkills(allowList)
	if len(filtered) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range filtered {
		fmt.Fprintf(&b, "  <skill name=%q>%s</skill>\n", s.Name, s.Description)
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// Count returns the number of loaded skills.
func (l *Loader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.skills)
}

// Execute runs a skill as a subprocess, passing params via stdin and
// returning stdout. A skill tripping its failure circuit breaker is
// rejected; LoadAll carries the health state over, so a reload does not
// reset it.
func (l *Loader) Execute(ctx context.Context, name string, params json.RawMessage) (string, error) {
	l.mu.RLock()
	skill, ok := l.skills[name]
	l.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("skill not found: %s", name)
	}
	if !skill.Healthy {
		return "", fmt.Errorf("skill %s disabled after %d consecutive failures", name, skill.Fails)
	}

	timeout := time.Duration(skill.Meta.Timeout) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := l.run(execCtx, skill, params)
	if err != nil {
		l.recordFailure(name)
		return "", err
	}
	l.recordSuccess(name)
	return out, nil
}

func (l *Loader) run(ctx context.Context, skill *Skill, params json.RawMessage) (string, error) {
	entrypoint := filepath.Join(skill.Dir, skill.Meta.Entrypoint)

	var cmd *exec.Cmd
	switch filepath.Ext(entrypoint) {
	case ".py":
		cmd = exec.CommandContext(ctx, "python3", entrypoint)
	case ".sh":
		cmd = exec.CommandContext(ctx, "sh", entrypoint)
	default:
		cmd = exec.CommandContext(ctx, entrypoint)
	}
	cmd.Dir = skill.Dir
	cmd.Env = append(os.Environ(), "SKILL_DIR="+skill.Dir, "SKILL_NAME="+skill.Meta.Name)
	cmd.Stdin = bytes.NewReader(params)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("skill execution failed: %s", truncate(msg, 500))
	}
	return stdout.String(), nil
}

func (l *Loader) recordFailure(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.skills[name]; ok {
		s.Fails++
		if s.Fails >= maxFailures {
			s.Healthy = false
		}
	}
}

func (l *Loader) recordSuccess(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.skills[name]; ok {
		s.Fails = 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
