package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to sending", StatusPending, StatusSending, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"sending to sent", StatusSending, StatusSent, true},
		{"sending to failed", StatusSending, StatusFailed, true},
		{"sent to delivered", StatusSent, StatusDelivered, true},
		{"sent to failed", StatusSent, StatusFailed, true},
		{"delivered to read", StatusDelivered, StatusRead, true},
		{"received to synced", StatusReceived, StatusSynced, true},
		{"pending to sent skips sending", StatusPending, StatusSent, false},
		{"sent to sending is backwards", StatusSent, StatusSending, false},
		{"delivered to failed", StatusDelivered, StatusFailed, false},
		{"read is terminal", StatusRead, StatusDelivered, false},
		{"failed is terminal", StatusFailed, StatusPending, false},
		{"synced is terminal", StatusSynced, StatusReceived, false},
		{"received cannot fail", StatusReceived, StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusRead.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSynced.Terminal())

	for _, st := range []Status{StatusPending, StatusSending, StatusSent, StatusDelivered, StatusReceived} {
		assert.False(t, st.Terminal(), "status %s should not be terminal", st)
	}
}

func TestStatusScan(t *testing.T) {
	var st Status
	assert.NoError(t, st.Scan("delivered"))
	assert.Equal(t, StatusDelivered, st)

	assert.NoError(t, st.Scan([]byte("synced")))
	assert.Equal(t, StatusSynced, st)

	assert.Error(t, st.Scan("bogus"))
	assert.Error(t, st.Scan(42))
}
