package provisioner

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker(4)
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelC()

	b.Publish(Event{Kind: EventOutput, Message: "one"})
	assert.Equal(t, "one", (<-a).Message)
	assert.Equal(t, "one", (<-c).Message)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, b.Len())

	b.Publish(Event{Kind: EventOutput, Message: "two"})
	assert.Equal(t, "two", (<-c).Message)
}

func TestBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker(1)
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: EventOutput})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBroker_ConcurrentCancelAndPublish(t *testing.T) {
	b := NewBroker(1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		_, cancel := b.Subscribe()
		wg.Add(2)
		go func() { defer wg.Done(); cancel() }()
		go func() { defer wg.Done(); b.Publish(Event{Kind: EventOutput}) }()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Len())
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestSupervisor_OutputAndExit(t *testing.T) {
	requireShell(t)
	b := NewBroker(16)
	events, cancel := b.Subscribe()
	defer cancel()

	s := NewSupervisor("sh", []string{"-c", "echo hello; echo oops 1>&2; exit 3"}, b, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) == 0 || got[len(got)-1].Kind != EventExit {
		select {
		case e := <-events:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("no exit event, got %+v", got)
		}
	}
	assert.Contains(t, got, Event{Kind: EventOutput, Message: "hello"})
	assert.Contains(t, got, Event{Kind: EventError, Message: "oops"})
	require.NotNil(t, got[len(got)-1].Code)
	assert.Equal(t, 3, *got[len(got)-1].Code)

	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestSupervisor_StartTwiceAndStop(t *testing.T) {
	requireShell(t)
	s := NewSupervisor("sh", []string{"-c", "exec sleep 30"}, NewBroker(4), nil)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
}

func TestSupervisor_BadCommand(t *testing.T) {
	s := NewSupervisor("/nonexistent/helper", nil, NewBroker(4), nil)
	assert.Error(t, s.Start(context.Background()))
	assert.False(t, s.Running())
}
