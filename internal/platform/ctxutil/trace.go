package ctxutil

import "context"

type traceDataKey struct{}

// TraceData identifies the request and, for job work, the build job a
// context belongs to.
type TraceData struct {
	TraceID   string
	RequestID string
	JobID     string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

// WithJob tags ctx with jobID, keeping request ids already attached.
func WithJob(ctx context.Context, jobID string) context.Context {
	td := TraceData{JobID: jobID}
	if cur := GetTraceData(ctx); cur != nil {
		if cur.JobID == jobID {
			return ctx
		}
		td.TraceID, td.RequestID = cur.TraceID, cur.RequestID
	}
	return WithTraceData(ctx, &td)
}

// LogFields returns the non-empty ids as logger key/value pairs.
func LogFields(ctx context.Context) []interface{} {
	td := GetTraceData(ctx)
	if td == nil {
		return nil
	}
	var kv []interface{}
	if td.TraceID != "" {
		kv = append(kv, "trace_id", td.TraceID)
	}
	if td.RequestID != "" {
		kv = append(kv, "request_id", td.RequestID)
	}
	if td.JobID != "" {
		kv = append(kv, "job_id", td.JobID)
	}
	return kv
}
