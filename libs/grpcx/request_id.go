package grpcx

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"

	"github.com/kairos-labs/slotkeeper/libs/httpx"
)

// RequestIDMetadataKey carries the request id; gRPC metadata keys are lowercase.
const RequestIDMetadataKey = "x-request-id"

// RequestIDFromContext shares the HTTP request id slot, so a call made while serving an
// HTTP request forwards that request's id.
func RequestIDFromContext(ctx context.Context) string {
	return httpx.RequestIDFromContext(ctx)
}

func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(RequestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return uuid.NewString()
}
