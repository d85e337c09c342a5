package sqlrender

import "fmt"

// Position identifies a location in a template file.
type Position struct {
	File   string
	Line   int // 1-based
	Column int // 1-based
}

func (p Position) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// RenderError is returned when a template cannot be rendered.
type RenderError struct {
	Pos     Position
	Message string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Pos, e.Message)
}

// NewRenderError creates a RenderError at the given position.
func NewRenderError(pos Position, format string, args ...interface{}) *RenderError {
	return &RenderError{Pos: pos, Message: fmt.Sprintf(format, args...)}
}
