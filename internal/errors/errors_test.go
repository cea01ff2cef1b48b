package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Timeout("query", fmt.Errorf("deadline"))
	wrapped := fmt.Errorf("execute: %w", base)

	assert.True(t, IsTimeout(wrapped))
	assert.False(t, IsStorage(wrapped))
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.True(t, stderrors.Is(wrapped, &Error{Kind: KindTimeout}))
	assert.False(t, stderrors.Is(wrapped, &Error{Kind: KindTimeout, Op: "maintenance"}))
}

func TestStorageDoesNotDoubleWrap(t *testing.T) {
	inner := Storage("create node", fmt.Errorf("disk full"))
	outer := Storage("batch", inner)
	assert.Same(t, inner, outer)
	assert.Nil(t, Storage("noop", nil))
}

func TestErrorMessage(t *testing.T) {
	err := UnsupportedFormat("export", "csv")
	assert.Equal(t, `export: UNSUPPORTED_FORMAT: unsupported format "csv"`, err.Error())
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
}
