package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, NotFoundKind, KindOf(NotFound("document", "abc")))
	assert.Equal(t, TransientKind, KindOf(Transient("fetch", fmt.Errorf("boom"))))
	assert.Equal(t, FatalKind, KindOf(fmt.Errorf("plain error")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient("poll", fmt.Errorf("x"))))
	assert.True(t, Retryable(Timeout("poll")))
	assert.False(t, Retryable(Validation("field", "bad")))
	assert.False(t, Retryable(Cancelled("poll")))
}

func TestWithDetail(t *testing.T) {
	err := NotFound("trigger", "t1").WithDetail("hint", "check registration")
	assert.Equal(t, "t1", err.Details["id"])
	assert.Equal(t, "check registration", err.Details["hint"])
}

func TestIs(t *testing.T) {
	err := Conflict("execution already terminal")
	assert.True(t, Is(err, ConflictKind))
	assert.False(t, Is(err, ValidationKind))
}
