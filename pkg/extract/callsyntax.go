package extract

import (
	"strconv"
	"strings"
)

// parseCall recovers a tool call written in pseudo-code call syntax, either
// namespace__tool(key=value, key="value") or namespace.tool(...). Values in
// quotes become strings, bare digit runs become integers, anything else is
// kept as an untyped string. Returns false when the code holds no call for
// this namespace.
func parseCall(code, namespace string) (Candidate, bool) {
	suffix, rest, ok := findCallStart(code, namespace)
	if !ok {
		return Candidate{}, false
	}

	argsStr, ok := readParenGroup(rest)
	if !ok {
		return Candidate{}, false
	}

	args := map[string]any{}
	for _, part := range splitTopLevel(argsStr) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || !isIdentifier(key) {
			continue
		}
		args[key] = coerceValue(strings.TrimSpace(value))
	}

	return Candidate{Tool: namespace + "__" + suffix, Arguments: args}, true
}

// findCallStart locates the first namespace__tool( or namespace.tool( in the
// code and returns the tool suffix plus the text starting at the opening
// parenthesis.
func findCallStart(code, namespace string) (suffix, rest string, ok bool) {
	for _, sep := range []string{"__", "."} {
		marker := namespace + sep
		idx := strings.Index(code, marker)
		if idx < 0 {
			continue
		}
		tail := code[idx+len(marker):]
		end := 0
		for end < len(tail) && isIdentChar(tail[end]) {
			end++
		}
		if end == 0 || end >= len(tail) || tail[end] != '(' {
			continue
		}
		return tail[:end], tail[end:], true
	}
	return "", "", false
}

// readParenGroup returns the contents of the parenthesis group that s starts
// with, honouring quoted strings so a ')' inside quotes does not end the
// group.
func readParenGroup(s string) (string, bool) {
	if len(s) == 0 || s[0] != '(' {
		return "", false
	}
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:i], true
			}
		}
	}
	return "", false
}

// splitTopLevel splits an argument list at commas outside quotes and nested
// parentheses or brackets.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if trimmed := strings.TrimSpace(s[start:]); trimmed != "" {
		parts = append(parts, trimmed)
	}
	return parts
}

// coerceValue interprets one argument value: strip quotes, or coerce a bare
// digit run to an integer.
func coerceValue(v string) any {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	if v != "" && isDigits(v) {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return v
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isIdentChar(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

func isIdentifier(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return len(s) > 0
}
