// Package mutator edits the shared frontend fragment. Insert and Remove are
// pure text transforms; Mutator wraps them with file I/O.
package mutator

import (
	"regexp"
	"strings"
)

// Anchor comments in the HTTPS frontend of the shared fragment.
const (
	ACLAnchor  = "# ACLs to match hostnames"
	RuleAnchor = "# Use backends based on hostname"
)

const indent = "    "

var (
	aclShape  = regexp.MustCompile(`^acl\s+host_\S+\s+hdr\(host\)`)
	ruleShape = regexp.MustCompile(`^use_backend\s+\S+\s+if\s+host_`)
)

// ACLLine is the hostname ACL for a service, without indentation.
func ACLLine(service, hostname string) string {
	return "acl host_" + service + " hdr(host) -i " + hostname
}

// RuleLine is the routing line for a service, without indentation.
func RuleLine(service string) string {
	return "use_backend " + service + "_backend if host_" + service
}

// Edit is the outcome of a text transform.
type Edit struct {
	Content     string
	ACLAdded    bool
	RuleAdded   bool
	ACLRemoved  int
	RuleRemoved int
	Warnings    []string
}

func (e Edit) Changed() bool {
	return e.ACLAdded || e.RuleAdded || e.ACLRemoved > 0 || e.RuleRemoved > 0
}

// Insert adds the service's ACL and routing lines to content unless a line
// with the same trimmed text already exists. Each line goes after its anchor
// comment and any contiguous lines of the same shape below it.
func Insert(content, service, hostname string) Edit {
	lines, eol := splitLines(content)
	e := Edit{}

	acl := ACLLine(service, hostname)
	if !contains(lines, acl) {
		if at, ok := afterBlock(lines, ACLAnchor, aclShape); ok {
			lines = insertAt(lines, at, indent+acl)
		} else {
			e.Warnings = append(e.Warnings, "ACL insertion marker not found, appending ACL to end of file")
			lines = appendLine(lines, indent+acl)
		}
		e.ACLAdded = true
	}

	rule := RuleLine(service)
	if !contains(lines, rule) {
		if at, ok := afterBlock(lines, RuleAnchor, ruleShape); ok {
			lines = insertAt(lines, at, indent+rule)
		} else if at, ok := directiveIndex(lines, "default_backend"); ok {
			lines = insertAt(lines, at, indent+rule, "")
		} else {
			e.Warnings = append(e.Warnings, "use_backend insertion marker and default_backend not found, appending to end of file")
			lines = appendLine(lines, indent+rule)
		}
		e.RuleAdded = true
	}

	e.Content = strings.Join(lines, eol)
	return e
}

// Remove drops every hostname ACL of the service and its routing line.
func Remove(content, service string) Edit {
	lines, eol := splitLines(content)
	aclPrefix := "acl host_" + service + " hdr(host) "
	rule := RuleLine(service)

	e := Edit{}
	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		t := strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(t, aclPrefix):
			e.ACLRemoved++
		case t == rule:
			e.RuleRemoved++
		default:
			kept = append(kept, l)
		}
	}
	e.Content = strings.Join(kept, eol)
	return e
}

// splitLines returns the lines of content and its line ending. A file with any
// CRLF is treated as CRLF throughout so inserted lines match it. A trailing ""
// element stands for the final newline, so joining with eol is lossless.
func splitLines(content string) ([]string, string) {
	eol := "\n"
	if strings.Contains(content, "\r\n") {
		eol = "\r\n"
	}
	return strings.Split(content, eol), eol
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) == want {
			return true
		}
	}
	return false
}

// afterBlock finds the first anchor line and returns the index just past the
// contiguous block of shape-matching lines below it. Blank lines inside the
// block are skipped over, not counted as its end.
func afterBlock(lines []string, anchor string, shape *regexp.Regexp) (int, bool) {
	start := -1
	for i, l := range lines {
		if strings.TrimSpace(l) == anchor {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, false
	}
	last := start
	for i := start + 1; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == "" {
			continue
		}
		if !shape.MatchString(t) {
			break
		}
		last = i
	}
	return last + 1, true
}

func directiveIndex(lines []string, keyword string) (int, bool) {
	for i, l := range lines {
		f := strings.Fields(l)
		if len(f) > 1 && f[0] == keyword {
			return i, true
		}
	}
	return 0, false
}

func insertAt(lines []string, at int, add ...string) []string {
	out := make([]string, 0, len(lines)+len(add))
	out = append(out, lines[:at]...)
	out = append(out, add...)
	return append(out, lines[at:]...)
}

// appendLine adds l as the last line, keeping the file newline-terminated.
func appendLine(lines []string, l string) []string {
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return append(lines, l, "")
}
