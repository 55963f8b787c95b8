package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransientErrorWrapsAndUnwraps(t *testing.T) {
	root := errors.New("connection reset")
	err := &TransientError{Op: "getNextBatch", Err: root}

	assert.Contains(t, err.Error(), "getNextBatch")
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, errors.Is(err, root))
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestPermanentErrorWrapsAndUnwraps(t *testing.T) {
	root := errors.New("unique constraint violation")
	err := &PermanentError{Op: "addJob", Err: root}

	assert.True(t, errors.Is(err, root))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
}

func TestIsTransientIsPermanentFalseForSentinels(t *testing.T) {
	assert.False(t, IsTransient(ErrJobNotFound))
	assert.False(t, IsPermanent(ErrJobNotFound))
}

func TestIsTransientFalseForPlainError(t *testing.T) {
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsPermanent(errors.New("boom")))
}

func TestErrDuplicateStepWrapping(t *testing.T) {
	err := fmt.Errorf("%w: %s", ErrDuplicateStep, "charge-card")
	assert.True(t, errors.Is(err, ErrDuplicateStep))
	assert.Contains(t, err.Error(), "charge-card")
}
