package config

import (
	"context"
	"log/slog"
)

type studyKey struct{}
type loggerKey struct{}

// WithStudy stores the study configuration in the context.
func WithStudy(ctx context.Context, s *Study) context.Context {
	return context.WithValue(ctx, studyKey{}, s)
}

// StudyFrom retrieves the study configuration from the context, or nil.
func StudyFrom(ctx context.Context) *Study {
	s, _ := ctx.Value(studyKey{}).(*Study)
	return s
}

// WithLogger stores the logger in the context.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFrom retrieves the logger from the context, falling back to a
// discard logger.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
