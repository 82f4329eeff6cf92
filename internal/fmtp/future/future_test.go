package future

import (
	"testing"
	"time"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCompletesAndWaitReturnsResult(t *testing.T) {
	f := New(func(stop <-chan struct{}) (interface{}, error) {
		return 42, nil
	}, nil)

	f.Run()

	result, err := f.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, Completed, f.StateValue())
}

func TestCancelBeforeRunLatches(t *testing.T) {
	f := New(func(stop <-chan struct{}) (interface{}, error) {
		return nil, nil
	}, nil)

	canceled := f.Cancel()
	assert.True(t, canceled)

	f.Run() // no-op

	_, err := f.Wait()
	assert.True(t, fmtperr.Is(err, fmtperr.CANCELED))
}

func TestCancelWhileRunningStopsTask(t *testing.T) {
	started := make(chan struct{})
	f := New(func(stop <-chan struct{}) (interface{}, error) {
		close(started)
		<-stop
		return nil, nil
	}, nil)

	go f.Run()
	<-started

	canceled := f.Cancel()
	assert.True(t, canceled)

	_, err := f.Wait()
	assert.True(t, fmtperr.Is(err, fmtperr.CANCELED))
}

func TestCancelIdempotent(t *testing.T) {
	f := New(func(stop <-chan struct{}) (interface{}, error) {
		<-stop
		return nil, nil
	}, nil)

	go f.Run()
	time.Sleep(10 * time.Millisecond)

	first := f.Cancel()
	second := f.Cancel()
	assert.Equal(t, first, second)
}

func TestDeleteFailsWhileRunning(t *testing.T) {
	started := make(chan struct{})
	f := New(func(stop <-chan struct{}) (interface{}, error) {
		close(started)
		<-stop
		return nil, nil
	}, nil)

	go f.Run()
	<-started

	err := f.Delete()
	require.Error(t, err)
	assert.True(t, fmtperr.Is(err, fmtperr.BUSY))

	f.Cancel()
	f.Wait()
	assert.NoError(t, f.Delete())
}

func TestExecutorCancelAllAndWait(t *testing.T) {
	ex := NewExecutor()
	for i := 0; i < 5; i++ {
		ex.Submit(func(stop <-chan struct{}) (interface{}, error) {
			<-stop
			return nil, nil
		}, nil)
	}

	ex.CancelAll()
	done := make(chan struct{})
	go func() {
		ex.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor did not drain after CancelAll")
	}
}
