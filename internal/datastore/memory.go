package datastore

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/wow-sync/internal/logger"
)

const (
	recordPrefix = "r:"
	blobPrefix   = "b:"
)

func init() {
	// Snapshot files hold gob-encoded cache items
	gob.Register(recordRow{})
	gob.Register([]byte(nil))
}

// memoryEngine keeps records and blobs in a go-cache instance without
// expiration. Capacity is bounded by record count and total blob size.
type memoryEngine struct {
	items        *cache.Cache
	maxRecords   int
	maxBlobBytes int64
	snapshotPath string
	log          logger.Logger

	// mu guards the capacity accounting across check-then-set sequences
	mu        sync.Mutex
	blobBytes int64
}

func openMemory(opts Options, log logger.Logger) (*memoryEngine, error) {
	e := &memoryEngine{
		items:        cache.New(cache.NoExpiration, 0),
		maxRecords:   opts.MaxRecords,
		maxBlobBytes: opts.MaxBlobBytes,
		snapshotPath: opts.SnapshotPath,
		log:          log,
	}

	if e.snapshotPath == "" {
		return e, nil
	}
	if err := e.items.LoadFile(e.snapshotPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load memory store snapshot: %w", err)
		}
	}
	for _, item := range e.items.Items() {
		if data, ok := item.Object.([]byte); ok {
			e.blobBytes += int64(len(data))
		}
	}
	return e, nil
}

func (e *memoryEngine) name() string { return EngineMemory }

func (e *memoryEngine) recordCount() int {
	n := 0
	for k := range e.items.Items() {
		if strings.HasPrefix(k, recordPrefix) {
			n++
		}
	}
	return n
}

func (e *memoryEngine) getRecord(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := e.items.Get(recordPrefix + key)
	if !ok {
		return nil, false, nil
	}
	row, ok := v.(recordRow)
	if !ok {
		return nil, false, fmt.Errorf("unexpected value type %T for record %s", v, key)
	}
	return slices.Clone(row.Payload), true, nil
}

func (e *memoryEngine) putRecord(_ context.Context, row recordRow) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := recordPrefix + row.Key
	if _, exists := e.items.Get(k); !exists && e.maxRecords > 0 && e.recordCount() >= e.maxRecords {
		return quotaError(EngineMemory, "set_record",
			fmt.Sprintf("record limit %d reached", e.maxRecords))
	}
	row.Payload = slices.Clone(row.Payload)
	e.items.Set(k, row, cache.NoExpiration)
	return nil
}

func (e *memoryEngine) deleteRecord(_ context.Context, key string) error {
	e.items.Delete(recordPrefix + key)
	return nil
}

func (e *memoryEngine) allRecords(_ context.Context) ([]recordRow, error) {
	var out []recordRow
	for k, item := range e.items.Items() {
		if !strings.HasPrefix(k, recordPrefix) {
			continue
		}
		row, ok := item.Object.(recordRow)
		if !ok {
			return nil, fmt.Errorf("unexpected value type %T for %s", item.Object, k)
		}
		row.Payload = slices.Clone(row.Payload)
		out = append(out, row)
	}
	return out, nil
}

func (e *memoryEngine) getBlob(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := e.items.Get(blobPrefix + key)
	if !ok {
		return nil, false, nil
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("unexpected value type %T for blob %s", v, key)
	}
	return slices.Clone(data), true, nil
}

func (e *memoryEngine) putBlob(_ context.Context, key string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := blobPrefix + key
	var previous int64
	if v, ok := e.items.Get(k); ok {
		if old, ok := v.([]byte); ok {
			previous = int64(len(old))
		}
	}

	next := e.blobBytes - previous + int64(len(data))
	if e.maxBlobBytes > 0 && next > e.maxBlobBytes {
		return quotaError(EngineMemory, "put_blob",
			fmt.Sprintf("blob budget %d bytes exceeded", e.maxBlobBytes))
	}
	e.items.Set(k, data, cache.NoExpiration)
	e.blobBytes = next
	return nil
}

func (e *memoryEngine) deleteBlob(_ context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := blobPrefix + key
	if v, ok := e.items.Get(k); ok {
		if old, ok := v.([]byte); ok {
			e.blobBytes -= int64(len(old))
		}
		e.items.Delete(k)
	}
	return nil
}

func (e *memoryEngine) clear(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items.Flush()
	e.blobBytes = 0
	return nil
}

// The memory engine never holds rows in the legacy layout
func (e *memoryEngine) legacyRecords(context.Context) ([]legacyRow, error) {
	return nil, nil
}

func (e *memoryEngine) deleteLegacy(context.Context, uint) error {
	return nil
}

func (e *memoryEngine) close() error {
	if e.snapshotPath == "" {
		return nil
	}
	if err := e.items.SaveFile(e.snapshotPath); err != nil {
		return fmt.Errorf("failed to save memory store snapshot: %w", err)
	}
	e.log.Info("Memory store snapshot saved",
		logger.String("path", e.snapshotPath),
		logger.Int("items", e.items.ItemCount()))
	return nil
}
