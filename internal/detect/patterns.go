package detect

import (
	"path/filepath"
	"regexp"
	"strings"
)

// defaultAgentNames are the recognized agent CLI basenames. Matching is
// case-insensitive and quote-stripped; see MatchesAgent for the full rules.
func defaultAgentNames() []string {
	return []string{
		"claude",
		"codex",
		"gemini",
		"opencode",
		"aider",
		"goose",
		"amp",
		"cursor-agent",
		"copilot",
	}
}

// interpreters are runtimes that commonly launch agent CLIs as scripts;
// for these the script path argument is matched instead of the binary name.
var interpreters = map[string]bool{
	"node":    true,
	"bun":     true,
	"deno":    true,
	"python":  true,
	"python3": true,
}

// Rules holds the compiled detection rule set. Built once per engine so
// config-supplied extras are compiled exactly once.
type Rules struct {
	agentNames []string

	// Prompt detection. Waiting requires hint AND (header OR unanswered):
	// the conjunction keeps ordinary output containing "enter" or "answer"
	// from flipping a session to waiting.
	headerRe     *regexp.Regexp
	unansweredRe *regexp.Regexp
	hintRes      []*regexp.Regexp
}

// RuleOverrides carries user-config additions to the built-in rules.
type RuleOverrides struct {
	ExtraAgents     []string
	ExtraHeaders    []string
	ExtraUnanswered []string
	ExtraHints      []string
}

// NewRules compiles the built-in rule set plus any overrides. Invalid
// user-supplied fragments are dropped silently rather than failing startup.
func NewRules(ov RuleOverrides) *Rules {
	names := defaultAgentNames()
	for _, n := range ov.ExtraAgents {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			names = append(names, n)
		}
	}

	header := []string{
		`│\s*(do you want|would you like|allow)`,
		`do you want`,
		`would you like`,
		`select an option`,
		`choose an option`,
		`\?\s*$`,
	}
	unanswered := []string{
		`unanswered`,
		`awaiting (your )?(answer|response|input)`,
		`waiting for (your )?(input|confirmation|response|answer)`,
		`needs your (input|attention)`,
	}
	hints := []string{
		`press (enter|return)`,
		`(enter|return) to (send|submit|confirm|select|continue)`,
	}

	header = append(header, escapeAll(ov.ExtraHeaders)...)
	unanswered = append(unanswered, escapeAll(ov.ExtraUnanswered)...)
	hints = append(hints, escapeAll(ov.ExtraHints)...)

	r := &Rules{agentNames: names}
	r.headerRe = compileAlternation(header)
	r.unansweredRe = compileAlternation(unanswered)
	for _, h := range hints {
		if re, err := regexp.Compile(`(?im)` + h); err == nil {
			r.hintRes = append(r.hintRes, re)
		}
	}
	return r
}

func compileAlternation(parts []string) *regexp.Regexp {
	re, err := regexp.Compile(`(?im)(` + strings.Join(parts, "|") + `)`)
	if err != nil {
		// Only reachable when a user extra breaks the alternation; fall
		// back to the built-ins alone.
		return regexp.MustCompile(`(?im)(do you want|would you like)`)
	}
	return re
}

func escapeAll(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, regexp.QuoteMeta(strings.ToLower(p)))
		}
	}
	return out
}

// MatchesAgent reports whether a process display name or command line
// refers to a recognized agent binary. Three forms are matched:
//
//  1. exact basename: "claude", "/usr/local/bin/claude"
//  2. interpreter + script path: "node /opt/claude/cli.js"
//  3. path-segment containment: any argv path with an agent name segment
//
// Comparison is case-insensitive and shell quotes are stripped first.
func (r *Rules) MatchesAgent(name, command string) bool {
	if r.matchesName(name) {
		return true
	}

	args := splitCommand(command)
	if len(args) == 0 {
		return false
	}
	if r.matchesName(args[0]) {
		return true
	}
	if interpreters[strings.ToLower(filepath.Base(unquote(args[0])))] {
		for _, arg := range args[1:] {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			if r.matchesPath(arg) {
				return true
			}
			// Only the first non-flag argument is the script path.
			break
		}
	}
	for _, arg := range args {
		if r.matchesPath(arg) {
			return true
		}
	}
	return false
}

// matchesName checks an exact basename match.
func (r *Rules) matchesName(s string) bool {
	base := strings.ToLower(filepath.Base(unquote(strings.TrimSpace(s))))
	for _, n := range r.agentNames {
		if base == n {
			return true
		}
	}
	return false
}

// matchesPath checks path-segment containment: "/home/x/.claude/cli.js"
// matches "claude" because one segment equals (or is prefixed by a dot
// plus) the agent name.
func (r *Rules) matchesPath(s string) bool {
	s = strings.ToLower(unquote(strings.TrimSpace(s)))
	if !strings.ContainsAny(s, "/\\") {
		return false
	}
	for _, seg := range strings.FieldsFunc(s, func(c rune) bool { return c == '/' || c == '\\' }) {
		seg = strings.TrimPrefix(seg, ".")
		for _, n := range r.agentNames {
			if seg == n {
				return true
			}
		}
	}
	return false
}

// IsWaitingPrompt applies the prompt rule set to an ANSI-stripped buffer.
func (r *Rules) IsWaitingPrompt(buf string) bool {
	hint := false
	for _, re := range r.hintRes {
		if re.MatchString(buf) {
			hint = true
			break
		}
	}
	if !hint {
		return false
	}
	return r.headerRe.MatchString(buf) || r.unansweredRe.MatchString(buf)
}

func splitCommand(command string) []string {
	return strings.Fields(command)
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}
