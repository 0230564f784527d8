package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageErrorClassification(t *testing.T) {
	err := newError(KindNotFound, "readObject", "entities/x.json", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrCorrupt))
	assert.True(t, IsNotFound(err))

	wrapped := fmt.Errorf("outer context: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound), "kind survives wrapping")

	var se *StorageError
	require.True(t, errors.As(wrapped, &se))
	assert.Equal(t, KindNotFound, se.Kind)
	assert.Equal(t, "entities/x.json", se.Path)
}

func TestStorageErrorMessages(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := newError(KindWrite, "writeObject", "entities/x.json", cause)
	assert.Contains(t, err.Error(), "writeObject")
	assert.Contains(t, err.Error(), "write")
	assert.Contains(t, err.Error(), "entities/x.json")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestErrorKindStrings(t *testing.T) {
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "invalid_id", KindInvalidID.String())
	assert.Equal(t, "environment_unsupported", KindEnvironmentUnsupported.String())
}
