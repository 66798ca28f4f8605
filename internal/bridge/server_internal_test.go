package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestServer_RegisterAfterShutdownIsRefused(t *testing.T) {
	policy, err := NewOriginPolicy("https://app.example.com", nil, nil)
	require.NoError(t, err)
	b := New(Config{}, nil, nil, policy, zaptest.NewLogger(t))
	s := NewServer(ServerConfig{}, b, zaptest.NewLogger(t))

	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, s.register(&conn{id: "late", server: s}))
	assert.Zero(t, s.Connections())

	// Nothing was added to the wait group, so a second shutdown returns at once.
	assert.NoError(t, s.Shutdown(context.Background()))
}
