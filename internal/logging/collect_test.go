package logging

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CapturesErrorRecords(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { Setup(false, false, false) })

	c := NewCollector()
	ctx := ContextWithCollector(context.Background(), c)
	logger := New("test")

	Error(ctx, logger, "flash failed", "device", "n1", "code", 7)
	Error(ctx, logger, "second failure")

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "flash failed device=n1 code=7", msgs[0])
	assert.Equal(t, "second failure", msgs[1])
}

func TestCollector_NoCollectorInContextIsSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		Error(context.Background(), nil, "nobody listening")
	})
}

func TestCollector_ParallelStepsCollectDisjointSets(t *testing.T) {
	// Two sibling tasks share the logger but carry their own collectors;
	// each must see only its own records.
	logger := New("shared")
	const perTask = 50

	c1 := NewCollector()
	c2 := NewCollector()
	ctx1 := ContextWithCollector(context.Background(), c1)
	ctx2 := ContextWithCollector(context.Background(), c2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range perTask {
			Error(ctx1, logger, fmt.Sprintf("task1 error %d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := range perTask {
			Error(ctx2, logger, fmt.Sprintf("task2 error %d", i))
		}
	}()
	wg.Wait()

	require.Equal(t, perTask, c1.Len())
	require.Equal(t, perTask, c2.Len())
	for _, m := range c1.Messages() {
		assert.Contains(t, m, "task1")
	}
	for _, m := range c2.Messages() {
		assert.Contains(t, m, "task2")
	}
}

func TestCollector_ChildContextInherits(t *testing.T) {
	c := NewCollector()
	ctx := ContextWithCollector(context.Background(), c)
	child, cancel := context.WithCancel(ctx)
	defer cancel()

	Error(child, nil, "from child task")
	assert.Equal(t, []string{"from child task"}, c.Messages())
}

func TestCollectorFromContext(t *testing.T) {
	assert.Nil(t, CollectorFromContext(context.Background()))
	c := NewCollector()
	ctx := ContextWithCollector(context.Background(), c)
	assert.Same(t, c, CollectorFromContext(ctx))
}
