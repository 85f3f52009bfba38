package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shaggydog/internal/models"
)

// Runs only against a real database: POSTGRES_TEST_DSN=postgres://... go test ./internal/store
func TestPostgres_Lifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.RunMigrations(ctx))

	job, err := st.CreateJob(ctx, "pg-owner")
	require.NoError(t, err)
	defer func() {
		_ = st.UpdateJobStatus(ctx, job.ID, models.StatusError, nil)
		_ = st.DeleteJob(ctx, job.ID)
	}()

	require.NoError(t, st.SetBreed(ctx, job.ID, "Beagle"))
	assert.ErrorIs(t, st.SetBreed(ctx, job.ID, "Pug"), ErrBreedSet)

	_, err = st.AddAsset(ctx, job.ID, models.KindOriginal, "image/png", []byte("orig"))
	require.NoError(t, err)
	_, err = st.AddAsset(ctx, job.ID, models.KindOriginal, "image/png", []byte("dup"))
	assert.ErrorIs(t, err, ErrAssetExists)
	_, err = st.AddAsset(ctx, job.ID, models.KindEdit1, "image/png", []byte("e1"))
	require.NoError(t, err)

	assets, err := st.ListAssets(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, assets, 2)

	assert.ErrorIs(t, st.DeleteJob(ctx, job.ID), ErrStillRunning)

	msg := "synthesis edit: status 500: boom"
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, models.StatusError, &msg))
	assert.ErrorIs(t, st.UpdateJobStatus(ctx, job.ID, models.StatusDone, nil), ErrTerminal)
	_, err = st.AddAsset(ctx, job.ID, models.KindEdit2, "image/png", []byte("late"))
	assert.ErrorIs(t, err, ErrTerminal)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msg, *got.ErrorMessage)

	require.NoError(t, st.AppendAudit(ctx, job.ID, "created", "test"))
	trail, err := st.AuditTrail(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)

	_, err = st.GetJob(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}
