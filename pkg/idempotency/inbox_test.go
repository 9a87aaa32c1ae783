package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestKey(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 30, 15, 0, time.UTC)

	key := RequestKey("Patient/1", "lab result", at)
	assert.Len(t, key, 64)

	// same minute, other zone, padded input
	assert.Equal(t, key, RequestKey(" Patient/1", "lab result ", at.Add(30*time.Second).In(time.FixedZone("CET", 3600))))

	assert.NotEqual(t, key, RequestKey("Patient/2", "lab result", at))
	assert.NotEqual(t, key, RequestKey("Patient/1", "manual", at))
	assert.NotEqual(t, key, RequestKey("Patient/1", "lab result", at.Add(time.Minute)))
}

func TestNewInboxDefaults(t *testing.T) {
	i := NewInbox(nil, InboxConfig{}, nil)
	def := DefaultInboxConfig()
	assert.Equal(t, def.DefaultTTL, i.config.DefaultTTL)
	assert.Equal(t, def.CleanupInterval, i.config.CleanupInterval)
	assert.Equal(t, def.RecoveryTimeout, i.config.RecoveryTimeout)
	assert.Nil(t, i.config.Terminal)
}
