package matching

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/animatch/matchmaker/internal/metrics"
)

type fakeJanitor struct {
	purges atomic.Int32
	size   int64
	err    error
}

func (f *fakeJanitor) PurgeExpired(context.Context) (int, error) {
	f.purges.Add(1)
	return 2, f.err
}

func (f *fakeJanitor) Size(context.Context) (int64, error) { return f.size, nil }

func TestCleanup_RunOnceUpdatesGauge(t *testing.T) {
	j := &fakeJanitor{size: 7}
	NewCleanup(j, time.Second).RunOnce(context.Background())

	if got := testutil.ToFloat64(metrics.QueueSize); got != 7 {
		t.Errorf("queue size gauge = %v, want 7", got)
	}
}

func TestCleanup_PurgeErrorStillRefreshesSize(t *testing.T) {
	j := &fakeJanitor{size: 3, err: errors.New("boom")}
	NewCleanup(j, time.Second).RunOnce(context.Background())

	if got := testutil.ToFloat64(metrics.QueueSize); got != 3 {
		t.Errorf("queue size gauge = %v, want 3", got)
	}
}

func TestCleanup_ServeStopsOnCancel(t *testing.T) {
	j := &fakeJanitor{}
	c := NewCleanup(j, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop")
	}
	if j.purges.Load() == 0 {
		t.Error("expected at least one purge")
	}
}
