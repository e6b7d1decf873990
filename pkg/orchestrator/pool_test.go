package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunBoundedReportsPerItemErrorsWithoutCancellingSiblings(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4}
	errBoom := errors.New("boom")

	var ran int32

	errs := runBounded(context.Background(), 2, items, func(_ context.Context, item int) error {
		atomic.AddInt32(&ran, 1)

		if item == 2 {
			return errBoom
		}

		return nil
	})

	assert.EqualValues(t, len(items), ran, "every item should run even though one fails")
	assert.Nil(t, errs[0])
	assert.ErrorIs(t, errs[1], errBoom)
	assert.Nil(t, errs[2])
	assert.Nil(t, errs[3])
}

func TestRunBoundedRespectsLimit(t *testing.T) {
	t.Parallel()

	items := make([]int, 10)

	var active, maxActive int32

	runBounded(context.Background(), 3, items, func(_ context.Context, _ int) error {
		cur := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)

		for {
			m := atomic.LoadInt32(&maxActive)
			if cur <= m || atomic.CompareAndSwapInt32(&maxActive, m, cur) {
				break
			}
		}

		return nil
	})

	assert.LessOrEqual(t, int(maxActive), 3)
}
