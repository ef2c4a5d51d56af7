package xrdcore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileOpenErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("dial refused")
	err := NewFileOpenError(OpenParams{Name: "/store/f"}, "refused", 5, 3011, nil, []string{"a"}, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/store/f")
	assert.Contains(t, err.Error(), "refused")
}

func TestFileOpenErrorUnwrapsToSentinelWhenNoCause(t *testing.T) {
	err := NewFileOpenError(OpenParams{Name: "/store/f"}, "retries exhausted", 0, 0, nil, nil, nil)
	assert.ErrorIs(t, err, ErrOpenFailedTerminal)
}

func TestFileReadErrorUnwrapsToInvalidResponseByDefault(t *testing.T) {
	err := NewFileReadError(OpenParams{Name: "/store/f"}, "bad response", 0, 0, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
