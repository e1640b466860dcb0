// Package ctxkey carries a store transaction through a context so nested store
// calls join it instead of opening their own.
package ctxkey

import "context"

type txKey struct{}

// WithTx returns a copy of ctx carrying tx.
func WithTx(ctx context.Context, tx any) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Tx returns the transaction carried by ctx, or nil.
func Tx(ctx context.Context) any {
	return ctx.Value(txKey{})
}
