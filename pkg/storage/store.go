package storage

import (
	"time"

	"github.com/stokerhq/stoker/pkg/types"
)

// Stats holds observability counters for the store.
type Stats struct {
	ExecutionsByStatus map[types.ExecutionStatus]int `json:"executions_by_status"`
	ActiveLeases       int                           `json:"active_leases"`
	ExpiredLeases      int                           `json:"expired_leases"`
}

// Store is the durable journal of executions and asset leases. It is the
// single owner of on-disk persistent state.
type Store interface {
	// Executions
	Enqueue(exec *types.Execution) error
	Get(taskID string) (*types.Execution, error)
	MarkStarted(taskID string, when time.Time) error
	MarkCompleted(taskID string, when time.Time) error
	MarkFailed(taskID string, when time.Time, errMsg string) error
	MarkCancelled(taskID string, when time.Time) error
	MarkTimeout(taskID string, when time.Time) error
	LoadNonterminal() ([]*types.Execution, error)
	CleanupCompleted(age time.Duration) (int, error)

	// Asset leases
	RenewAssetLease(assetPath, notebookKey string, ttl time.Duration) error
	GetAssetLease(assetPath string) (*types.AssetLease, error)
	ListLeases(notebookKey string) ([]*types.AssetLease, error)
	ExpiredAssets() ([]string, error)
	DropAsset(assetPath string) error

	// Utility
	Stats() (*Stats, error)
	Close() error
}
