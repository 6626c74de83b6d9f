// Package paste defines the media cache collaborator protocols use to turn
// platform file downloads into stable public links.
package paste

import (
	"context"
	"errors"
)

var (
	// ErrNotImplemented means the collaborator does not serve media at all.
	ErrNotImplemented = errors.New("paste: media links not supported")
	// ErrNoMedia means there was nothing to cache for the request.
	ErrNoMedia = errors.New("paste: no media")
	// ErrTooLarge means the file exceeds the configured size limit.
	ErrTooLarge = errors.New("paste: file too large")
)

// Paster caches a remote file under cacheKey and returns a URL serving it.
type Paster interface {
	PasteURL(ctx context.Context, downloadURL, cacheKey string, size int64) (string, error)
}

// Disabled is a Paster for deployments without a media cache.
type Disabled struct{}

func (Disabled) PasteURL(context.Context, string, string, int64) (string, error) {
	return "", ErrNotImplemented
}
