package cloudevents

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTargetUser(t *testing.T) {
	base := New("payment.settled", "payments", nil)

	assert.Equal(t, "", TargetUser(base))
	assert.Equal(t, "subject-user", TargetUser(base.WithSubject(" subject-user ")))
	assert.Equal(t, "ext-user", TargetUser(ForUser(base.WithSubject("subject-user"), "ext-user")))
	assert.Equal(t, "42", TargetUser(base.WithExtension(ExtUserID, float64(42))))
}

func TestErrorClassification(t *testing.T) {
	unroutable := fmt.Errorf("decode: %w", ErrUnroutable)

	assert.True(t, ShouldPoison(unroutable))
	assert.False(t, IsRetryable(unroutable))
	assert.False(t, IsRetryable(ErrSkip))
	assert.True(t, IsRetryable(errors.New("transient")))
	assert.False(t, ShouldPoison(nil))
	assert.False(t, IsRetryable(nil))
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"2024-05-01T10:00:00.123Z", "2024-05-01T10:00:00Z", "2024-05-01T10:00:00", "2024-05-01"} {
		_, err := ParseTime(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseTime("soon")
	assert.Error(t, err)
	assert.Equal(t, "", FormatTime(time.Time{}))
}
