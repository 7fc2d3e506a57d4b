package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxOwnerRef ctxKey = iota

func WithOwner(ctx context.Context, ownerRef string) context.Context {
	return context.WithValue(ctx, ctxOwnerRef, ownerRef)
}

func OwnerRef(ctx context.Context) (string, error) {
	v := ctx.Value(ctxOwnerRef)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("owner_ref not in context")
}
