package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// BlobStore keeps objects in memory. It stands in for S3 when the service
// runs without object storage.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]blobObject
}

type blobObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]blobObject)}
}

func (b *BlobStore) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("memory: put %s: %w", path, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = blobObject{data: buf, contentType: contentType, modified: time.Now().UTC()}
	return nil
}

func (b *BlobStore) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "application/octet-stream")
}

func (b *BlobStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("memory: get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *BlobStore) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.BlobInfo
	for p, obj := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{
				Path:         p,
				Size:         int64(len(obj.data)),
				ContentType:  obj.contentType,
				LastModified: obj.modified,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (b *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[path]
	return ok, nil
}

var _ domain.BlobStore = (*BlobStore)(nil)
