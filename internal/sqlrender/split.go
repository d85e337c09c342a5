package sqlrender

import "strings"

// Split breaks a rendered SQL script into individual statements on
// semicolons, ignoring semicolons inside single-quoted strings and line
// comments. Empty statements are dropped.
func Split(script string) []string {
	var statements []string
	var current strings.Builder

	inString := false
	inComment := false

	for i := 0; i < len(script); i++ {
		c := script[i]

		switch {
		case inComment:
			current.WriteByte(c)
			if c == '\n' {
				inComment = false
			}
		case inString:
			current.WriteByte(c)
			if c == '\'' {
				inString = false
			}
		case c == '\'':
			current.WriteByte(c)
			inString = true
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			current.WriteByte(c)
			inComment = true
		case c == ';':
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}
