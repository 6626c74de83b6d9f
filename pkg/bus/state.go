package bus

import (
	"context"
	"fmt"
	"strconv"
)

// StateStore is a small keyed store that survives restarts.
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// GetInt reads an integer value, returning def when the key is unset.
func GetInt(ctx context.Context, store StateStore, key string, def int64) (int64, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok || raw == "" {
		return def, nil
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def, fmt.Errorf("parse state %s: %w", key, err)
	}

	return value, nil
}

func SetInt(ctx context.Context, store StateStore, key string, value int64) error {
	return store.Set(ctx, key, strconv.FormatInt(value, 10))
}
