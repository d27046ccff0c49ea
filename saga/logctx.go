package saga

import "context"

type logAttrsKey struct{}

// WithLogAttrs returns a context whose saga log lines carry the given
// key/value attributes (for example "instance_id", id, "user_id", uid).
// Attributes accumulate across calls.
func WithLogAttrs(ctx context.Context, attrs ...any) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	existing := logAttrs(ctx)
	merged := make([]any, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, logAttrsKey{}, merged)
}

func logAttrs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(logAttrsKey{}).([]any)
	return attrs
}
