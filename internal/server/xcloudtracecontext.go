package server

import (
	"context"
	"github.com/blendle/zapdriver"
	"github.com/cirruslabs/termdesk/internal/xcloudtracecontext"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
	"net/http"
)

const traceContextHeader = "X-Cloud-Trace-Context"

// TraceContext extracts the Cloud Trace context from the incoming gRPC metadata.
func (ts *TermdeskServer) TraceContext(ctx context.Context) []zap.Field {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}

	return ts.traceContextFromHeaders(md.Get(traceContextHeader))
}

// RequestTraceContext is like TraceContext, but for plain HTTP requests
// and WebSocket upgrades.
func (ts *TermdeskServer) RequestTraceContext(request *http.Request) []zap.Field {
	return ts.traceContextFromHeaders(request.Header.Values(traceContextHeader))
}

func (ts *TermdeskServer) traceContextFromHeaders(headers []string) []zap.Field {
	if ts.gcpProjectID == "" || len(headers) != 1 {
		return nil
	}

	traceContext, ok := xcloudtracecontext.Parse(headers[0])
	if !ok {
		return nil
	}

	return zapdriver.TraceContext(traceContext.TraceID, traceContext.SpanID, traceContext.Sampled, ts.gcpProjectID)
}
