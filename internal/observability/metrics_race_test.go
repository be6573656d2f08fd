package observability

import (
	"sync"
	"testing"
)

// TestNewMetricsConcurrency verifies that NewMetrics can be called concurrently
// without causing race conditions
func TestNewMetricsConcurrency(t *testing.T) {
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for range numGoroutines {
		go func() {
			defer wg.Done()

			metrics, err := NewMetrics()
			if err != nil {
				t.Errorf("NewMetrics failed: %v", err)
				return
			}
			if metrics == nil {
				t.Error("NewMetrics returned nil")
				return
			}

			if metrics.registry == nil {
				t.Error("metrics.registry is nil")
			}
			if metrics.Sync == nil {
				t.Error("metrics.Sync is nil")
			}
			if metrics.HTTP == nil {
				t.Error("metrics.HTTP is nil")
			}
			if metrics.Datastore == nil {
				t.Error("metrics.Datastore is nil")
			}
		}()
	}

	wg.Wait()
}
