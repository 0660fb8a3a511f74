package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"retrieval-service/internal/models"
	"retrieval-service/internal/store"
	"retrieval-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = util.InitLogger("test")
}

type countingClassifier struct {
	passes atomic.Int32
	err    error
}

func (c *countingClassifier) RunPass(ctx context.Context) (*models.AlertSnapshot, error) {
	c.passes.Add(1)
	return &models.AlertSnapshot{}, c.err
}

type brokenFeed struct{}

func (brokenFeed) Changes(ctx context.Context) (<-chan models.ChangeEvent, error) {
	return nil, errors.New("listen failed")
}

func startWorker(t *testing.T, w *AlertWorker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Start(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestAlertWorkerRunsOnStartAndOnChange(t *testing.T) {
	mem := store.NewMemory()
	c := &countingClassifier{}
	w := NewAlertWorker(c, mem, 0)
	startWorker(t, w)

	require.Eventually(t, func() bool { return c.passes.Load() == 1 }, time.Second, 5*time.Millisecond)

	mem.PutProduct(models.ProductStock{ProductID: "p1", QuantityOnHand: 3})
	assert.Eventually(t, func() bool { return c.passes.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestAlertWorkerTriggerCoalesces(t *testing.T) {
	c := &countingClassifier{}
	w := NewAlertWorker(c, nil, 0)

	for i := 0; i < 10; i++ {
		w.Trigger()
	}
	startWorker(t, w)

	require.Eventually(t, func() bool { return c.passes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), c.passes.Load())
}

func TestAlertWorkerTicksAndSurvivesFailures(t *testing.T) {
	c := &countingClassifier{err: errors.New("db down")}
	w := NewAlertWorker(c, brokenFeed{}, 10*time.Millisecond)
	startWorker(t, w)

	assert.Eventually(t, func() bool { return c.passes.Load() >= 3 }, time.Second, 5*time.Millisecond)
}
