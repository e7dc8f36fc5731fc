package hlserr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := DownloadFailed("https://example.com/a.m3u8", errors.New("status 404"))
	assert.Equal(t, "could not download (https://example.com/a.m3u8): status 404", err.Error())
	assert.Equal(t, "could not resolve master playlist: no variant streams loaded (u)", MasterResolveFailed("u").Error())
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("resolving: %w", ParseFailed("u", errors.New("bad")))
	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, ParseError, kind)
	assert.True(t, IsKind(wrapped, ParseError))
	assert.False(t, IsKind(wrapped, TransportError))

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(DownloadFailed("u", fmt.Errorf("get: %w", context.Canceled))))
	assert.False(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(CacheWriteFailed("/tmp/x", errors.New("disk full"))))
}
