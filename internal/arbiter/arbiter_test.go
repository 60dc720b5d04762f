package arbiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsJobsOnAssignedArbiterInOrder(t *testing.T) {
	p := NewPool(2)
	defer p.Shutdown()

	a := p.At(0)
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		a.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not complete in time")
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "one arbiter's mailbox preserves arrival order")
}

func TestPoolNextRoundRobins(t *testing.T) {
	p := NewPool(3)
	defer p.Shutdown()

	ids := []int{p.Next().ID(), p.Next().ID(), p.Next().ID(), p.Next().ID()}
	assert.Equal(t, []int{0, 1, 2, 0}, ids)
}

func TestPoolAtWrapsModuloSize(t *testing.T) {
	p := NewPool(3)
	defer p.Shutdown()

	assert.Equal(t, 0, p.At(3).ID())
	assert.Equal(t, 2, p.At(-1).ID())
}

func TestPoolNextExcludingNeverReturnsExcluded(t *testing.T) {
	p := NewPool(2)
	defer p.Shutdown()

	excl := p.At(0)
	for i := 0; i < 10; i++ {
		got := p.NextExcluding(excl)
		assert.NotSame(t, excl, got)
	}
}

func TestPoolNextExcludingSingleArbiterReturnsItAnyway(t *testing.T) {
	p := NewPool(1)
	defer p.Shutdown()

	only := p.At(0)
	assert.Same(t, only, p.NextExcluding(only))
}

func TestPoolShutdownIsIdempotent(t *testing.T) {
	p := NewPool(1)
	p.Shutdown()
	require.NotPanics(t, p.Shutdown)
}

func TestNewPoolDefaultsSizeWhenNonPositive(t *testing.T) {
	p := NewPool(0)
	defer p.Shutdown()
	assert.Greater(t, p.Size(), 0)
}
