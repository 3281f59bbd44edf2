package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psd-ai/studio/utils/executor"
)

func TestBrokerRoutesByExecutionID(t *testing.T) {
	b := NewBroker()

	chA, cancelA := b.Subscribe("exec-a")
	defer cancelA()
	chB, cancelB := b.Subscribe("exec-b")
	defer cancelB()

	b.WriteEvent(executor.NewEvent(executor.EventPromptStart, "exec-a"))

	select {
	case ev := <-chA:
		assert.Equal(t, "exec-a", ev.ExecutionID)
	default:
		t.Fatal("subscriber for exec-a received nothing")
	}

	select {
	case ev := <-chB:
		t.Fatalf("subscriber for exec-b received %v", ev)
	default:
	}
}

func TestBrokerFansOutToAllSubscribers(t *testing.T) {
	b := NewBroker()

	ch1, cancel1 := b.Subscribe("exec-a")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("exec-a")
	defer cancel2()

	b.WriteEvent(executor.NewEvent(executor.EventProgress, "exec-a"))

	require.Len(t, ch1, 1)
	require.Len(t, ch2, 1)
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()

	ch, cancel := b.Subscribe("exec-a")
	cancel()

	b.WriteEvent(executor.NewEvent(executor.EventProgress, "exec-a"))
	assert.Empty(t, ch)
}

func TestBrokerNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBroker()

	_, cancel := b.Subscribe("exec-a")
	defer cancel()

	// Overflow the buffer; WriteEvent must keep returning.
	for i := 0; i < 300; i++ {
		b.WriteEvent(executor.NewEvent(executor.EventProgress, "exec-a"))
	}
}
