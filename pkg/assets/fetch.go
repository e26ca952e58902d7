package assets

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stokerhq/stoker/pkg/types"
)

// fetchCacheSize bounds the in-memory asset cache.
const fetchCacheSize = 64

// Asset is one fetched blob with its resolved content type.
type Asset struct {
	Path string `json:"path"`
	MIME string `json:"mime"`
	Data []byte `json:"data"` // base64 on the wire
}

// Fetcher serves asset reads through a small LRU, renewing the lease on
// every access so actively viewed assets stay out of the GC's reach.
type Fetcher struct {
	manager *Manager
	cache   *lru.Cache[string, *Asset]
}

// NewFetcher creates a fetcher over the manager's asset root.
func NewFetcher(manager *Manager) *Fetcher {
	cache, _ := lru.New[string, *Asset](fetchCacheSize)
	return &Fetcher{manager: manager, cache: cache}
}

// Fetch returns the asset at the given root-relative path. Paths that
// escape the asset root are rejected outright.
func (f *Fetcher) Fetch(assetPath, notebookKey string) (*Asset, error) {
	rel, err := safeRel(assetPath)
	if err != nil {
		return nil, err
	}

	// Touch the lease even on cache hits; the read is proof the client
	// still wants the asset around.
	if err := f.manager.Renew(rel, notebookKey); err != nil {
		return nil, fmt.Errorf("renew lease on fetch: %w", err)
	}

	if asset, ok := f.cache.Get(rel); ok {
		return asset, nil
	}

	data, err := os.ReadFile(filepath.Join(f.manager.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: asset %s", types.ErrNotFound, rel)
		}
		return nil, fmt.Errorf("read asset %s: %w", rel, err)
	}

	asset := &Asset{Path: rel, MIME: mimeFor(rel), Data: data}
	f.cache.Add(rel, asset)
	return asset, nil
}

// Invalidate drops a cached asset, used after prune.
func (f *Fetcher) Invalidate(assetPath string) {
	if rel, err := safeRel(assetPath); err == nil {
		f.cache.Remove(rel)
	}
}

// safeRel normalizes an asset path and rejects escapes from the root.
func safeRel(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: invalid asset path %q", types.ErrNotFound, p)
	}
	rel := filepath.Clean(p)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: invalid asset path %q", types.ErrNotFound, p)
	}
	return rel, nil
}

// mimeFor resolves a content type from the file extension.
func mimeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
