package gateway

import "context"

type ctxKey string

const clientKey ctxKey = "client"

func withClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// clientFromContext returns the websocket client that issued the request,
// or nil for plain HTTP calls.
func clientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	if client, ok := ctx.Value(clientKey).(*Client); ok {
		return client
	}
	return nil
}

const rpcRequestIDKey ctxKey = "rpcRequestID"

func withRPCRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, rpcRequestIDKey, id)
}

func rpcRequestIDFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(rpcRequestIDKey).(string); ok {
		return value
	}
	return ""
}
