package supervisor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
)

type mockHTTPServer struct {
	mock.Mock
	stop chan struct{}
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{stop: make(chan struct{})}
}

func (m *mockHTTPServer) ListenAndServe() error {
	args := m.Called()
	if err := args.Error(0); err != nil {
		return err
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockHTTPServer) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	close(m.stop)
	return args.Error(0)
}

func TestHTTPService_GracefulShutdown(t *testing.T) {
	srv := newMockHTTPServer()
	srv.On("ListenAndServe").Return(nil)
	srv.On("Shutdown", mock.Anything).Return(nil)

	svc := NewHTTPService("api-server", srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	srv.AssertExpectations(t)
	assert.Equal(t, "api-server", svc.String())
}

func TestHTTPService_ListenFailure(t *testing.T) {
	srv := newMockHTTPServer()
	srv.On("ListenAndServe").Return(errors.New("address in use"))

	err := NewHTTPService("api-server", srv, time.Second).Serve(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}

func TestJob_RunsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	job := NewJob("test-job", 10*time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("first run fails")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type panicOnce struct {
	calls atomic.Int32
}

func (p *panicOnce) Serve(ctx context.Context) error {
	if p.calls.Add(1) == 1 {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTree_RestartsFailedService(t *testing.T) {
	tree := NewTree("test", TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	svc := &panicOnce{}
	tree.AddBackground(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return svc.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-errCh
}

func TestEventHook_LogsTermination(t *testing.T) {
	var buf bytes.Buffer
	hook := EventHook(zerolog.New(&buf))

	hook(suture.EventServiceTerminate{
		SupervisorName: "test",
		ServiceName:    "queue-cleanup",
		Err:            errors.New("redis down"),
	})

	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "queue-cleanup")
}
