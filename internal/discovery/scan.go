// SPDX-License-Identifier: MPL-2.0

package discovery

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
)

const (
	// KindRequire is `require "name"`, resolved against the load path.
	KindRequire ReferenceKind = iota
	// KindRequireRelative is `require_relative "name"`, resolved against the
	// requiring file's directory.
	KindRequireRelative
	// KindLoad is `load "file.rb"`.
	KindLoad
	// KindAutoload is `autoload :Const, "name"`, a deferred require.
	KindAutoload
)

var (
	loadStmtRe = regexp.MustCompile(`(?:^|[^\w.:$@])(require_relative|require|load)(?:\s*\(\s*|\s+)(['"])((?:[^'"\\]|\\.)*)['"]`)
	autoloadRe = regexp.MustCompile(`(?:^|[^\w:$@])autoload(?:\s*\(\s*|\s+)(?::(\w+)|['"](\w+)['"])\s*,\s*(['"])((?:[^'"\\]|\\.)*)['"]`)
	dynamicRe  = regexp.MustCompile(`(?:^|[^\w.:$@])(require_relative|require)(?:\s*\(\s*|\s+)([A-Za-z_@$][\w.:]*)`)
	heredocRe  = regexp.MustCompile(`<<[~-]?(['"]?)([A-Z_][A-Z0-9_]*)['"]?`)
)

type (
	// ReferenceKind classifies a load statement.
	ReferenceKind int

	// Reference is one load statement found in a source file.
	Reference struct {
		Kind ReferenceKind
		// Name is the string literal argument.
		Name string
		// Const is the constant bound by an autoload.
		Const string
		// Line is the 1-based source line.
		Line int
	}

	// DynamicReference is a require whose argument is not a string literal.
	DynamicReference struct {
		Expr string
		Line int
	}
)

// String returns the statement keyword.
func (k ReferenceKind) String() string {
	switch k {
	case KindRequire:
		return "require"
	case KindRequireRelative:
		return "require_relative"
	case KindLoad:
		return "load"
	case KindAutoload:
		return "autoload"
	default:
		return "unknown"
	}
}

// Scan extracts the load statements from Ruby source. Comments, =begin/=end
// blocks, heredoc bodies and everything after __END__ are skipped. Double-quoted
// names with interpolation cannot be resolved statically and are reported as
// dynamic references together with non-literal arguments.
func Scan(src []byte) ([]Reference, []DynamicReference) {
	var (
		refs    []Reference
		dynamic []DynamicReference
		inBlock bool
		heredoc string
	)

	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := sc.Text()

		switch {
		case heredoc != "":
			if strings.TrimSpace(line) == heredoc {
				heredoc = ""
			}
			continue
		case inBlock:
			if strings.HasPrefix(line, "=end") {
				inBlock = false
			}
			continue
		case strings.HasPrefix(line, "=begin"):
			inBlock = true
			continue
		case line == "__END__":
			return refs, dynamic
		}

		code := stripComment(line)
		if m := heredocRe.FindStringSubmatch(code); m != nil {
			heredoc = m[2]
		}

		for _, m := range loadStmtRe.FindAllStringSubmatch(code, -1) {
			name := m[3]
			if m[2] == `"` && strings.Contains(name, "#{") {
				dynamic = append(dynamic, DynamicReference{Expr: m[2] + name + m[2], Line: lineNo})
				continue
			}
			refs = append(refs, Reference{Kind: kindOf(m[1]), Name: unescape(name), Line: lineNo})
		}
		for _, m := range autoloadRe.FindAllStringSubmatch(code, -1) {
			name := m[4]
			if m[3] == `"` && strings.Contains(name, "#{") {
				dynamic = append(dynamic, DynamicReference{Expr: m[3] + name + m[3], Line: lineNo})
				continue
			}
			constName := m[1]
			if constName == "" {
				constName = m[2]
			}
			refs = append(refs, Reference{Kind: KindAutoload, Name: unescape(name), Const: constName, Line: lineNo})
		}
		for _, m := range dynamicRe.FindAllStringSubmatch(code, -1) {
			dynamic = append(dynamic, DynamicReference{Expr: m[2], Line: lineNo})
		}
	}
	return refs, dynamic
}

func kindOf(keyword string) ReferenceKind {
	switch keyword {
	case "require_relative":
		return KindRequireRelative
	case "load":
		return KindLoad
	default:
		return KindRequire
	}
}

// stripComment cuts line at the first '#' that is outside a string literal.
// A '#{' inside a double-quoted string is interpolation, not a comment.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
		case c == '\'' || c == '"':
			quote = c
		case c == '#':
			return line[:i]
		}
	}
	return line
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
