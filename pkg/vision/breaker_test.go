package vision

import (
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestBreakerStateValue(t *testing.T) {
	// Values mirror the gauge help text: 0=closed, 0.5=half-open, 1=open.
	assert.Equal(t, 0.0, breakerStateValue(gobreaker.StateClosed))
	assert.Equal(t, 0.5, breakerStateValue(gobreaker.StateHalfOpen))
	assert.Equal(t, 1.0, breakerStateValue(gobreaker.StateOpen))
}
