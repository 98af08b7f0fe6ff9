// Package prompt resolves {{name}} placeholders in agent instructions and
// greetings.
package prompt

import "strings"

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Resolve replaces every {{name}} span in tmpl with vars[name]. Spans whose
// name has no entry in vars, or whose content is not an identifier, are left
// verbatim. Whitespace inside the braces is ignored, so {{ name }} resolves
// the same as {{name}}.
func Resolve(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, openDelim) {
		return tmpl
	}

	var b strings.Builder
	b.Grow(len(tmpl))

	rest := tmpl
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		rest = rest[start:]

		end := strings.Index(rest[len(openDelim):], closeDelim)
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		span := rest[:len(openDelim)+end+len(closeDelim)]
		name := strings.TrimSpace(span[len(openDelim) : len(span)-len(closeDelim)])

		if !isIdentifier(name) {
			// Emit the opening brace alone so a later "{{" inside this span
			// is still considered, e.g. "{{{{a}}".
			b.WriteByte(rest[0])
			rest = rest[1:]
			continue
		}

		if val, ok := vars[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(span)
		}
		rest = rest[len(span):]
	}
}

// Placeholders returns the distinct identifiers referenced by tmpl in order
// of first appearance.
func Placeholders(tmpl string) []string {
	var names []string
	seen := make(map[string]struct{})

	rest := tmpl
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			return names
		}
		rest = rest[start+len(openDelim):]
		end := strings.Index(rest, closeDelim)
		if end < 0 {
			return names
		}
		name := strings.TrimSpace(rest[:end])
		if !isIdentifier(name) {
			continue
		}
		rest = rest[end+len(closeDelim):]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
}

// Missing returns the placeholders in tmpl that vars does not define.
func Missing(tmpl string, vars map[string]string) []string {
	var missing []string
	for _, name := range Placeholders(tmpl) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
