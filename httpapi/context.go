package httpapi

import "context"

func withChainContext(ctx context.Context, c *ChainContext) context.Context {
	return context.WithValue(ctx, chainIDKey{}, c)
}

// chainFromContext extracts the ChainContext attached by withChain. It
// panics if called outside that middleware, mirroring the teacher's
// GetSigner/GetOrigin context-key helpers in jsonrpcserver, which assume
// the same invariant.
func chainFromContext(ctx context.Context) *ChainContext {
	return ctx.Value(chainIDKey{}).(*ChainContext)
}
