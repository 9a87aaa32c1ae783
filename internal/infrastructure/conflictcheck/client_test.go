package conflictcheck

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
	"github.com/drfirst/go-pathsync/pkg/circuitbreaker"
)

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Ping", r.URL.Path)
		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		ref := body["medicationRequestReference"]
		assert.Equal(t, "MedicationRequest/42", ref["reference"])
		assert.Equal(t, "MedicationRequest", ref["type"])
		assert.Equal(t, map[string]any{"value": "42"}, ref["identifier"])
		_, _ = io.WriteString(w, `{"ifResolvedConflict":true}`)
	}))
	defer srv.Close()

	rest, err := restclient.New(restclient.Config{
		Name:        "conflict-check",
		BaseURL:     srv.URL,
		CallTimeout: time.Second,
		Retry:       restclient.RetryConfig{MaxTries: 1},
		Breaker:     circuitbreaker.DefaultConfig("conflict-check"),
	}, nil, nil)
	require.NoError(t, err)

	resolved, err := New(rest, nil).Ping(context.Background(), "MedicationRequest/42")
	require.NoError(t, err)
	assert.True(t, resolved)
}
