package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokerhq/stoker/pkg/storage"
	"github.com/stokerhq/stoker/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "assets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, t.TempDir(), 24*time.Hour)
}

func TestWriteAssetCreatesFileAndLease(t *testing.T) {
	m := newTestManager(t)

	rel, err := m.WriteAsset("nb1", []byte("pixels"), "png")
	require.NoError(t, err)
	assert.Equal(t, "nb1", filepath.Dir(rel))
	assert.Equal(t, ".png", filepath.Ext(rel))

	data, err := os.ReadFile(filepath.Join(m.root, rel))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	lease, err := m.store.GetAssetLease(rel)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "nb1", lease.NotebookKey)
}

func TestPruneDeletesExpiredUnreferenced(t *testing.T) {
	m := newTestManager(t)
	a, err := m.WriteAsset("nb1", []byte("aaaa"), "png")
	require.NoError(t, err)
	b, err := m.WriteAsset("nb1", []byte("bb"), "csv")
	require.NoError(t, err)

	// Jump past every lease.
	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	report, err := m.Prune("nb1", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.ElementsMatch(t, []string{a, b}, report.Deleted)
	assert.Equal(t, int64(6), report.BytesFreed)

	_, statErr := os.Stat(filepath.Join(m.root, a))
	assert.True(t, os.IsNotExist(statErr))

	_, err = m.store.GetAssetLease(a)
	assert.ErrorIs(t, err, types.ErrNotFound, "lease goes with the file")

	// A second pass finds nothing: prune is idempotent.
	again, err := m.Prune("nb1", nil, false)
	require.NoError(t, err)
	assert.Empty(t, again.Deleted)
	assert.Zero(t, again.Scanned)
}

func TestPruneKeepsReferenced(t *testing.T) {
	m := newTestManager(t)
	rel, err := m.WriteAsset("nb1", []byte("keep"), "png")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	report, err := m.Prune("nb1", []string{rel}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Kept)
	assert.Empty(t, report.Deleted)

	_, statErr := os.Stat(filepath.Join(m.root, rel))
	assert.NoError(t, statErr, "referenced assets survive")
}

func TestPruneKeepsLeasedUnreferenced(t *testing.T) {
	m := newTestManager(t)
	rel, err := m.WriteAsset("nb1", []byte("live"), "png")
	require.NoError(t, err)

	// Lease still valid: unreferenced is not enough to delete.
	report, err := m.Prune("nb1", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Kept)
	assert.Empty(t, report.Deleted)

	_, statErr := os.Stat(filepath.Join(m.root, rel))
	assert.NoError(t, statErr)
}

func TestRenewalBeatsPrune(t *testing.T) {
	m := newTestManager(t)
	rel, err := m.WriteAsset("nb1", []byte("racy"), "png")
	require.NoError(t, err)

	// The original lease has expired, but a client renews with a longer
	// TTL just before the prune pass.
	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	m.maxAge = 72 * time.Hour
	require.NoError(t, m.Renew(rel, "nb1"))

	report, err := m.Prune("nb1", nil, false)
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
	_, statErr := os.Stat(filepath.Join(m.root, rel))
	assert.NoError(t, statErr, "a renewed lease protects the asset")
}

// faultyLeaseStore models a store whose lease bucket cannot be read.
type faultyLeaseStore struct {
	storage.Store
}

func (s *faultyLeaseStore) GetAssetLease(string) (*types.AssetLease, error) {
	return nil, fmt.Errorf("lease bucket unavailable")
}

func TestLeaseReadErrorKeepsAsset(t *testing.T) {
	m := newTestManager(t)
	rel, err := m.WriteAsset("nb1", []byte("opaque"), "png")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	m.store = &faultyLeaseStore{Store: m.store}

	report, err := m.Prune("nb1", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Kept)
	assert.Empty(t, report.Deleted)

	_, statErr := os.Stat(filepath.Join(m.root, rel))
	assert.NoError(t, statErr, "an unreadable lease must not delete the asset")
}

func TestPruneDryRun(t *testing.T) {
	m := newTestManager(t)
	rel, err := m.WriteAsset("nb1", []byte("doomed"), "png")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	report, err := m.Prune("nb1", nil, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []string{rel}, report.Deleted)

	_, statErr := os.Stat(filepath.Join(m.root, rel))
	assert.NoError(t, statErr, "dry run must not touch files")

	lease, err := m.store.GetAssetLease(rel)
	require.NoError(t, err)
	assert.NotNil(t, lease, "dry run must not drop leases")
}

func TestPruneUnknownNotebook(t *testing.T) {
	m := newTestManager(t)
	report, err := m.Prune("never-seen", nil, false)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, report.Deleted)
}

func TestPruneScopedToNotebook(t *testing.T) {
	m := newTestManager(t)
	_, err := m.WriteAsset("nb1", []byte("mine"), "png")
	require.NoError(t, err)
	other, err := m.WriteAsset("nb2", []byte("theirs"), "png")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	report, err := m.Prune("nb1", nil, false)
	require.NoError(t, err)
	assert.Len(t, report.Deleted, 1)

	_, statErr := os.Stat(filepath.Join(m.root, other))
	assert.NoError(t, statErr, "prune never crosses notebook boundaries")
}
