package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KayMas2808/RuralLend/internal/config"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/engine"
	"github.com/KayMas2808/RuralLend/internal/logger"
)

func TestStartRestoresFlow(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := config.Default()

	rt, err := Start(ctx, Options{Workspace: dir, Config: cfg, Logger: logger.NewTestLogger(t)})
	require.NoError(t, err)
	snap := rt.Engine.Snapshot()
	assert.Equal(t, domain.StateLanguage, snap.State)
	assert.True(t, snap.Connectivity.Online)

	snap, err = rt.Engine.Dispatch(ctx, engine.Event{Type: engine.EventGetStarted})
	require.NoError(t, err)
	require.Equal(t, domain.StateHome, snap.State)
	id := snap.Record.ID
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())

	rt, err = Start(ctx, Options{Workspace: dir, Config: cfg, Logger: logger.NewTestLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	snap = rt.Engine.Snapshot()
	assert.Equal(t, domain.StateHome, snap.State)
	require.NotNil(t, snap.Record)
	assert.Equal(t, id, snap.Record.ID)
}

func TestStartReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	rt, err := Start(context.Background(), Options{Workspace: dir, Logger: logger.NewTestLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	assert.Equal(t, 30*time.Second, rt.Config.Services.CallTimeout)
	assert.Equal(t, 3, rt.Config.Uploads.MaxRetries)
}
