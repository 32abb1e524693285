package logging

import (
	"context"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey int

const (
	epochKey contextKey = iota
	phaseKey
	loggerKey
)

// WithEpochCtx returns a new context with the GC epoch set.
func WithEpochCtx(ctx context.Context, epoch int64) context.Context {
	return context.WithValue(ctx, epochKey, epoch)
}

// EpochFromCtx extracts the GC epoch from the context, if any.
func EpochFromCtx(ctx context.Context) (int64, bool) {
	if epoch, ok := ctx.Value(epochKey).(int64); ok {
		return epoch, true
	}
	return 0, false
}

// WithPhaseCtx returns a new context with the collection phase set.
func WithPhaseCtx(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// PhaseFromCtx extracts the collection phase from the context.
func PhaseFromCtx(ctx context.Context) string {
	if phase, ok := ctx.Value(phaseKey).(string); ok {
		return phase
	}
	return ""
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns a logger from the context. If none is found, returns
// the global logger scoped with any epoch/phase carried on the context.
func FromCtx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}

	l := Global()
	if epoch, ok := EpochFromCtx(ctx); ok {
		l = l.WithEpoch(epoch)
	}
	if phase := PhaseFromCtx(ctx); phase != "" {
		l = l.WithPhase(phase)
	}
	return l
}

// LoggerFromCtx returns the logger from context, or nil if not set.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// ContextLogger returns a logger configured with any epoch/phase scoping
// found on the context. If a logger is already in the context, it returns
// that logger updated with any additional scoping from the context.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	l := LoggerFromCtx(ctx)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}

	if epoch, ok := EpochFromCtx(ctx); ok {
		l = l.WithEpoch(epoch)
	}
	if phase := PhaseFromCtx(ctx); phase != "" {
		l = l.WithPhase(phase)
	}

	return l
}

// PropagateScope returns a new context with the logger's epoch/phase
// scoping propagated onto the context itself.
func PropagateScope(ctx context.Context, l *Logger) context.Context {
	if l == nil {
		return ctx
	}

	l.mu.Lock()
	epoch := l.epoch
	hasEpoch := l.hasEpoch
	phase := l.phase
	l.mu.Unlock()

	if hasEpoch {
		ctx = WithEpochCtx(ctx, epoch)
	}
	if phase != "" {
		ctx = WithPhaseCtx(ctx, phase)
	}
	return ctx
}
