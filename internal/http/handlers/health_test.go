package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_GetHealth(t *testing.T) {
	h := NewHealthHandler("test-version").WithActiveSessionsFunc(func() int { return 3 })

	out, err := h.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, "healthy", out.Body.Status)
	assert.Equal(t, "test-version", out.Body.Version)
	assert.Equal(t, 3, out.Body.ActiveSessions)
	assert.GreaterOrEqual(t, out.Body.CPU.Cores, 1)
}

func TestHealthHandler_DefaultActiveSessions(t *testing.T) {
	h := NewHealthHandler("v1")
	out, err := h.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Body.ActiveSessions)
}
