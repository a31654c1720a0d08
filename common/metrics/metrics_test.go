package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.Inc(RunsStarted)
	c.Inc(RunsStarted)
	c.Inc(NodeRetries)

	assert.Equal(t, int64(2), c.Get(RunsStarted))
	assert.Equal(t, int64(1), c.Get(NodeRetries))
	assert.Zero(t, c.Get(RunsFailed))
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewCollector()
	c.Inc(NodesExecuted)

	snap := c.Snapshot()
	snap.Counters[NodesExecuted] = 99

	assert.Equal(t, int64(1), c.Get(NodesExecuted))
	assert.NotEmpty(t, snap.GoVersion)
	assert.Positive(t, snap.CPUs)
}

func TestConcurrentInc(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc(NodesExecuted)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), c.Get(NodesExecuted))
}
