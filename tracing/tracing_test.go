package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceName(t *testing.T) {
	assert.Equal(t, "tupelo-accounts", ServiceName(""))
	assert.Equal(t, "tupelo-accounts-testnet", ServiceName("testnet"))
}

func TestStopJaegerWithoutStart(t *testing.T) {
	StopJaeger()
	assert.False(t, Enabled)
}
