package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/log"
	"github.com/stokerhq/stoker/pkg/metrics"
	"github.com/stokerhq/stoker/pkg/storage"
	"github.com/stokerhq/stoker/pkg/types"
)

// Report summarizes one prune pass.
type Report struct {
	NotebookKey string   `json:"notebook_key"`
	Scanned     int      `json:"scanned"`
	Kept        int      `json:"kept"`
	Deleted     []string `json:"deleted"`
	BytesFreed  int64    `json:"bytes_freed"`
	DryRun      bool     `json:"dry_run"`
}

// Manager owns the asset directory and its lease bookkeeping. Deletion is
// lease-gated: an asset is removed only when it is unreferenced AND its
// lease has expired, so a client that keeps renewing stays safe from any
// concurrent prune.
type Manager struct {
	store  storage.Store
	root   string
	maxAge time.Duration
	logger zerolog.Logger

	// now is injectable for lease-expiry tests.
	now func() time.Time
}

// NewManager creates a manager rooted at dir. maxAge is the lease TTL
// granted on write, renewal, and fetch.
func NewManager(store storage.Store, dir string, maxAge time.Duration) *Manager {
	return &Manager{
		store:  store,
		root:   dir,
		maxAge: maxAge,
		logger: log.WithComponent("assets"),
		now:    time.Now,
	}
}

// WriteAsset stores an offloaded output blob and opens its lease. The
// returned path is relative to the asset root and is what clients reference.
func (m *Manager) WriteAsset(notebookKey string, data []byte, ext string) (string, error) {
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	rel := filepath.Join(notebookKey, uuid.New().String()+ext)
	abs := filepath.Join(m.root, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create asset dir: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write asset: %w", err)
	}
	if err := m.store.RenewAssetLease(rel, notebookKey, m.maxAge); err != nil {
		return "", fmt.Errorf("open asset lease: %w", err)
	}
	return rel, nil
}

// Renew extends an asset's lease by the configured TTL.
func (m *Manager) Renew(assetPath, notebookKey string) error {
	return m.store.RenewAssetLease(assetPath, notebookKey, m.maxAge)
}

// Prune removes a notebook's unreferenced, lease-expired assets. The
// referenced set is the client's source of truth (paths still present in the
// document); every referenced asset gets its lease renewed, so repeated
// prunes are idempotent. With dryRun the report says what would go, and
// nothing is touched.
func (m *Manager) Prune(notebookKey string, referenced []string, dryRun bool) (*Report, error) {
	refSet := make(map[string]struct{}, len(referenced))
	for _, p := range referenced {
		refSet[filepath.Clean(p)] = struct{}{}
		if !dryRun {
			if err := m.store.RenewAssetLease(filepath.Clean(p), notebookKey, m.maxAge); err != nil {
				return nil, fmt.Errorf("renew referenced lease: %w", err)
			}
		}
	}

	report := &Report{NotebookKey: notebookKey, Deleted: []string{}, DryRun: dryRun}
	dir := filepath.Join(m.root, notebookKey)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // nothing ever written for this notebook
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		report.Scanned++

		if _, ok := refSet[rel]; ok {
			report.Kept++
			return nil
		}

		// Lease check happens immediately before deletion, so a renewal
		// racing this prune still protects the asset. A lease we cannot
		// read may still be live, so the asset is kept until a prune pass
		// can actually see its state.
		lease, err := m.store.GetAssetLease(rel)
		switch {
		case err == nil && lease != nil && lease.LeaseExpires.After(m.now()):
			report.Kept++
			return nil
		case err != nil && !errors.Is(err, types.ErrNotFound):
			m.logger.Warn().Err(err).Str("asset", rel).Msg("lease read failed, asset kept")
			report.Kept++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if dryRun {
			report.Deleted = append(report.Deleted, rel)
			report.BytesFreed += info.Size()
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			// Keep the lease so the next prune retries this file.
			m.logger.Warn().Err(err).Str("asset", rel).Msg("asset delete failed, kept for retry")
			report.Kept++
			return nil
		}
		if err := m.store.DropAsset(rel); err != nil {
			return fmt.Errorf("drop asset lease %s: %w", rel, err)
		}
		report.Deleted = append(report.Deleted, rel)
		report.BytesFreed += info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !dryRun && len(report.Deleted) > 0 {
		metrics.AssetsPruned.Add(float64(len(report.Deleted)))
		metrics.AssetBytesPruned.Add(float64(report.BytesFreed))
		m.logger.Info().
			Str("notebook_key", notebookKey).
			Int("deleted", len(report.Deleted)).
			Int64("bytes_freed", report.BytesFreed).
			Msg("pruned assets")
	}
	return report, nil
}
