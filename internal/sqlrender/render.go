// Package sqlrender renders parameterized SQL templates.
//
// Templates follow the OHDSI parameterization convention:
//
//	{DEFAULT @cohort_table = cohort}     -- declares a default value
//	SELECT * FROM @cdm_schema.person;    -- @param substitution
//	{@use_distinct} ? {DISTINCT} : {}    -- conditional blocks
//
// Caller-supplied parameters override defaults. A parameter referenced
// without a binding or default is a render error.
package sqlrender

import (
	"regexp"
	"sort"
	"strings"
)

// defaultPattern matches {DEFAULT @name = value} declarations.
var defaultPattern = regexp.MustCompile(`\{DEFAULT\s+@([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^}]*)\}[ \t]*\r?\n?`)

// paramPattern matches @name parameter references.
var paramPattern = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)

// Render substitutes parameters into a SQL template and resolves
// conditional blocks. The file argument is used in error positions only.
func Render(file, input string, params map[string]string) (string, error) {
	defaults, body := extractDefaults(input)

	// Caller parameters override template defaults.
	bound := make(map[string]string, len(defaults)+len(params))
	for name, value := range defaults {
		bound[name] = value
	}
	for name, value := range params {
		bound[name] = value
	}

	substituted := substitute(body, bound)

	rendered, err := renderConditionals(file, substituted)
	if err != nil {
		return "", err
	}

	// Any parameter still present is unbound.
	if loc := paramPattern.FindStringIndex(rendered); loc != nil {
		name := paramPattern.FindStringSubmatch(rendered[loc[0]:])[1]
		return "", NewRenderError(positionAt(file, rendered, loc[0]), "unbound parameter @%s", name)
	}

	return rendered, nil
}

// extractDefaults collects {DEFAULT @name = value} declarations and strips
// them from the template. Each stripped declaration leaves its line break
// behind so error positions keep pointing at the source line.
func extractDefaults(input string) (map[string]string, string) {
	defaults := make(map[string]string)
	body := defaultPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := defaultPattern.FindStringSubmatch(match)
		defaults[groups[1]] = strings.TrimSpace(groups[2])
		if strings.HasSuffix(match, "\n") {
			return "\n"
		}
		return ""
	})
	return defaults, body
}

// substitute replaces @name references with bound values until a fixed
// point, so defaults may reference other parameters
// ({DEFAULT @cohort_id = @exposure_id}).
func substitute(input string, bound map[string]string) string {
	for range 10 {
		next := substituteOnce(input, bound)
		if next == input {
			break
		}
		input = next
	}
	return input
}

// substituteOnce replaces @name references with bound values, longest name
// first so @cohort_table is not clobbered by @cohort.
func substituteOnce(input string, bound map[string]string) string {
	names := make([]string, 0, len(bound))
	for name := range bound {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		input = strings.ReplaceAll(input, "@"+name, bound[name])
	}
	return input
}

// renderConditionals resolves {cond} ? {then} : {else} blocks. Blocks may
// nest; inner blocks are resolved recursively.
func renderConditionals(file, input string) (string, error) {
	var out strings.Builder
	pos := 0

	for {
		open := strings.IndexByte(input[pos:], '{')
		if open < 0 {
			out.WriteString(input[pos:])
			return out.String(), nil
		}
		open += pos
		out.WriteString(input[pos:open])

		closeIdx, ok := matchBrace(input, open)
		if !ok {
			return "", NewRenderError(positionAt(file, input, open), "unclosed '{'")
		}

		cond := input[open+1 : closeIdx]
		rest := closeIdx + 1

		// A brace group is a conditional only when followed by '?'.
		qm := skipSpaces(input, rest)
		if qm >= len(input) || input[qm] != '?' {
			// Plain braces, emit verbatim.
			out.WriteString(input[open : closeIdx+1])
			pos = rest
			continue
		}

		thenStart := skipSpaces(input, qm+1)
		if thenStart >= len(input) || input[thenStart] != '{' {
			return "", NewRenderError(positionAt(file, input, qm), "expected '{' after '?'")
		}
		thenEnd, ok := matchBrace(input, thenStart)
		if !ok {
			return "", NewRenderError(positionAt(file, input, thenStart), "unclosed '{'")
		}
		thenBody := input[thenStart+1 : thenEnd]
		pos = thenEnd + 1

		var elseBody string
		colon := skipSpaces(input, pos)
		if colon < len(input) && input[colon] == ':' {
			elseStart := skipSpaces(input, colon+1)
			if elseStart >= len(input) || input[elseStart] != '{' {
				return "", NewRenderError(positionAt(file, input, colon), "expected '{' after ':'")
			}
			elseEnd, ok := matchBrace(input, elseStart)
			if !ok {
				return "", NewRenderError(positionAt(file, input, elseStart), "unclosed '{'")
			}
			elseBody = input[elseStart+1 : elseEnd]
			pos = elseEnd + 1
		}

		branch := elseBody
		if evalCondition(cond) {
			branch = thenBody
		}
		rendered, err := renderConditionals(file, branch)
		if err != nil {
			return "", err
		}
		out.WriteString(rendered)
	}
}

// evalCondition evaluates a conditional expression. Supported forms:
// value, lhs == rhs, lhs != rhs. Bare values are truthy unless empty,
// "0" or "false".
func evalCondition(cond string) bool {
	cond = strings.TrimSpace(cond)

	if lhs, rhs, found := strings.Cut(cond, "!="); found {
		return unquote(lhs) != unquote(rhs)
	}
	if lhs, rhs, found := strings.Cut(cond, "=="); found {
		return unquote(lhs) == unquote(rhs)
	}

	switch strings.ToLower(unquote(cond)) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

// unquote trims surrounding whitespace and single quotes.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

// matchBrace returns the index of the '}' matching the '{' at open.
func matchBrace(s string, open int) (int, bool) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// skipSpaces returns the index of the first non-space byte at or after i.
func skipSpaces(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}

// positionAt computes the line/column of a byte offset.
func positionAt(file, s string, offset int) Position {
	line := 1
	col := 1
	for i := 0; i < offset && i < len(s); i++ {
		if s[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return Position{File: file, Line: line, Column: col}
}
