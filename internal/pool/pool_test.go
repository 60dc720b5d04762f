package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	id       string
	reserved bool
	accept   bool
}

func (c *fakeController) ReserveForTask(taskUUID string) bool {
	if !c.accept {
		return false
	}
	c.reserved = true
	return true
}

func newFakePool(capacity int, accept func(id string) bool) (*Pool[*fakeController], []*fakeController) {
	var built []*fakeController
	p := NewPool(capacity, func(id string) *fakeController {
		c := &fakeController{id: id, accept: accept(id)}
		built = append(built, c)
		return c
	})
	return p, built
}

func TestPoolGrowsLazilyToCapacity(t *testing.T) {
	p, built := newFakePool(3, func(string) bool { return true })

	assert.Equal(t, 0, p.Size())
	_, _, created, ok := p.Next("task-1")
	require.True(t, ok)
	require.True(t, created)
	assert.Equal(t, 1, p.Size())
	assert.Len(t, built, 1)
}

func TestPoolReturnsFirstAcceptingController(t *testing.T) {
	p, _ := newFakePool(2, func(id string) bool { return id == "1" })

	// Each call creates at most one controller: the first call only
	// creates controller "0", which refuses.
	p.Next("task-0")

	ctrl, _, _, ok := p.Next("task-1")
	require.True(t, ok)
	assert.Equal(t, "1", ctrl.id)
}

func TestPoolExhaustedWhenNoControllerAccepts(t *testing.T) {
	p, _ := newFakePool(2, func(string) bool { return false })

	_, _, _, ok := p.Next("task-1")
	assert.False(t, ok)
}

func TestPoolDoesNotGrowPastCapacity(t *testing.T) {
	p, built := newFakePool(2, func(string) bool { return true })

	for i := 0; i < 5; i++ {
		p.Next("task")
	}
	assert.Equal(t, 2, p.Size())
	assert.Len(t, built, 2)
}
