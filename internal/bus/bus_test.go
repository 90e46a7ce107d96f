package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskSubmitted, "task-1")

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskSubmitted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskSubmitted)
		}
		if event.Payload != "task-1" {
			t.Fatalf("payload = %v, want %q", event.Payload, "task-1")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskTransition, TaskTransitionEvent{TaskID: "t-1"})
	b.Publish(TopicRunPhase, RunPhaseEvent{RunID: "r-1"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskTransition {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskTransition)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	// taskSub must not see run.phase.
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTaskSubmitted, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on full subscriber buffer")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(TopicTaskTransition, j)
			}
		}()
	}
	wg.Wait()

	// Drain whatever was delivered; no panic or deadlock is the assertion.
	for {
		select {
		case <-sub.Ch():
		default:
			return
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
