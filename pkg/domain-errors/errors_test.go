package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodedErrors(t *testing.T) {
	t.Run("wrapped cause stays reachable", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := Wrap(cause, CodeInternal, "failed to load session")

		assert.True(t, HasCode(err, CodeInternal))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "failed to load session", MessageOf(err))
	})

	t.Run("code survives fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("ingest: %w", New(CodeSessionExpired, "session expired"))

		assert.True(t, Is(err, CodeSessionExpired))
		assert.Equal(t, CodeSessionExpired, CodeOf(err))
	})

	t.Run("plain errors default to internal", func(t *testing.T) {
		err := errors.New("boom")

		assert.False(t, HasCode(err, CodeNotFound))
		assert.Equal(t, CodeInternal, CodeOf(err))
		assert.Empty(t, MessageOf(err))
	})
}
