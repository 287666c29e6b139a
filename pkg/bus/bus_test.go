package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "test.subject", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	err = bus.Publish(ctx, "test.subject", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "hello" {
			t.Errorf("Expected 'hello', got %q", string(msg.Data))
		}
		if msg.Subject != "test.subject" {
			t.Errorf("Expected subject 'test.subject', got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	// Subscribe to wildcard pattern
	sub, err := bus.Subscribe(ctx, "iofold.job.*", func(msg *Message) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Publish to matching subjects
	bus.Publish(ctx, "iofold.job.abc", []byte("1"))
	bus.Publish(ctx, "iofold.job.xyz", []byte("2"))
	bus.Publish(ctx, "iofold.other.abc", []byte("3")) // Should not match

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_WildcardGreaterThan(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	// Subscribe with > wildcard (matches multiple tokens)
	sub, err := bus.Subscribe(ctx, "iofold.>", func(msg *Message) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(ctx, "iofold.job.abc", []byte("1"))
	bus.Publish(ctx, "iofold.job.123.events", []byte("2"))
	bus.Publish(ctx, "other.thing", []byte("3")) // Should not match

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var count atomic.Int32

	// Multiple subscribers to same subject
	for i := 0; i < 3; i++ {
		sub, _ := bus.Subscribe(ctx, "fanout", func(msg *Message) {
			count.Add(1)
		})
		defer sub.Unsubscribe()
	}

	bus.Publish(ctx, "fanout", []byte("broadcast"))
	time.Sleep(100 * time.Millisecond)

	if count.Load() != 3 {
		t.Errorf("Expected 3 subscribers to receive message, got %d", count.Load())
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, _ := bus.Subscribe(ctx, "test", func(msg *Message) {
		received.Add(1)
	})

	bus.Publish(ctx, "test", []byte("1"))
	time.Sleep(50 * time.Millisecond)

	sub.Unsubscribe()

	bus.Publish(ctx, "test", []byte("2"))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 message after unsubscribe, got %d", received.Load())
	}
}

func TestMemoryQueue_PushFetch(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	queue := bus.Queue("test-queue")

	// Push tasks
	for i := 0; i < 5; i++ {
		err := queue.Push(ctx, []byte{byte(i)})
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	length, _ := queue.Len(ctx)
	if length != 5 {
		t.Errorf("Expected queue length 5, got %d", length)
	}

	// Fetch the whole batch
	tasks, err := queue.Fetch(ctx, 10)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(tasks) != 5 {
		t.Fatalf("Expected 5 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.Data[0] != byte(i) {
			t.Errorf("Expected task data %d, got %d", i, task.Data[0])
		}
		if task.Attempt != 1 {
			t.Errorf("Expected attempt 1 on first delivery, got %d", task.Attempt)
		}
		queue.Ack(ctx, task.ID)
	}
}

func TestMemoryQueue_FetchRespectsMax(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	queue := bus.Queue("max-queue")

	for i := 0; i < 5; i++ {
		queue.Push(ctx, []byte{byte(i)})
	}

	tasks, err := queue.Fetch(ctx, 3)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("Expected 3 tasks, got %d", len(tasks))
	}
}

func TestMemoryQueue_NackIncrementsAttempt(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	queue := bus.Queue("nack-queue")

	queue.Push(ctx, []byte("task1"))

	tasks, err := queue.Fetch(ctx, 1)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if tasks[0].Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", tasks[0].Attempt)
	}
	queue.Nack(ctx, tasks[0].ID)

	// Redelivery carries an incremented attempt count
	tasks2, err := queue.Fetch(ctx, 1)
	if err != nil {
		t.Fatalf("Second fetch failed: %v", err)
	}
	if string(tasks2[0].Data) != "task1" {
		t.Errorf("Expected same task after nack")
	}
	if tasks2[0].Attempt != 2 {
		t.Errorf("Expected attempt 2 after nack, got %d", tasks2[0].Attempt)
	}
}

func TestMemoryQueue_FetchBlocksUntilPush(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	queue := bus.Queue("block-queue")

	go func() {
		time.Sleep(50 * time.Millisecond)
		queue.Push(ctx, []byte("late"))
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	tasks, err := queue.Fetch(fetchCtx, 1)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(tasks[0].Data) != "late" {
		t.Errorf("Expected 'late', got %q", string(tasks[0].Data))
	}
}

func TestMemoryQueue_ConcurrentWorkers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	queue := bus.Queue("concurrent-queue")

	taskCount := 100
	for i := 0; i < taskCount; i++ {
		queue.Push(ctx, []byte{byte(i)})
	}

	var processed atomic.Int32
	var wg sync.WaitGroup

	// Spin up workers
	workerCount := 5
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				tasks, err := queue.Fetch(ctx, 10)
				cancel()
				if err != nil {
					return
				}
				for _, task := range tasks {
					processed.Add(1)
					queue.Ack(ctx, task.ID)
				}
			}
		}()
	}

	wg.Wait()

	if processed.Load() != int32(taskCount) {
		t.Errorf("Expected %d processed tasks, got %d", taskCount, processed.Load())
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"foo.bar", "foo.bar", true},
		{"foo.bar", "foo.baz", false},
		{"foo.*", "foo.bar", true},
		{"foo.*", "foo.bar.baz", false},
		{"foo.>", "foo.bar", true},
		{"foo.>", "foo.bar.baz", true},
		{"*.bar", "foo.bar", true},
		{"*.bar", "baz.bar", true},
		{"*.bar", "foo.baz", false},
		{"iofold.job.*", "iofold.job.abc", true},
		{"iofold.job.*", "iofold.job", false},
		{"iofold.>", "iofold.job.abc.events", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.subject, func(t *testing.T) {
			got := matchSubject(tt.pattern, tt.subject)
			if got != tt.want {
				t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
			}
		})
	}
}

func TestMemoryBus_ClosedOperations(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	ctx := context.Background()

	if err := bus.Publish(ctx, "test", []byte("data")); err != ErrClosed {
		t.Errorf("Expected ErrClosed on publish, got %v", err)
	}

	if _, err := bus.Subscribe(ctx, "test", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed on subscribe, got %v", err)
	}
}

func TestMemoryQueue_PushAfterClose(t *testing.T) {
	bus := NewMemoryBus()
	queue := bus.Queue("jobs")
	bus.Close()

	if err := queue.Push(context.Background(), []byte("data")); err != ErrClosed {
		t.Errorf("Expected ErrClosed on push, got %v", err)
	}
}
