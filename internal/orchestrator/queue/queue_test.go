package queue

import (
	"testing"
	"time"
)

func enqueue(t *testing.T, q *TaskQueue, id string, priority int) {
	t.Helper()
	if err := q.Enqueue(id, priority, "QUALITY", time.Now()); err != nil {
		t.Fatalf("Enqueue(%s) failed: %v", id, err)
	}
}

func TestNewTaskQueue(t *testing.T) {
	q := NewTaskQueue(100)
	if q == nil {
		t.Fatal("NewTaskQueue returned nil")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
	if q.maxSize != 100 {
		t.Errorf("expected maxSize = 100, got %d", q.maxSize)
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	q := NewTaskQueue(10)

	enqueue(t, q, "task-1", 5)
	err := q.Enqueue("task-1", 5, "QUALITY", time.Now())
	if err != ErrTaskExists {
		t.Errorf("expected ErrTaskExists, got %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	q := NewTaskQueue(2)

	enqueue(t, q, "task-1", 5)
	enqueue(t, q, "task-2", 5)
	err := q.Enqueue("task-3", 5, "QUALITY", time.Now())

	if err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestDequeue(t *testing.T) {
	q := NewTaskQueue(10)

	enqueue(t, q, "task-1", 5)
	dequeued := q.Dequeue()

	if dequeued == nil {
		t.Fatal("Dequeue returned nil")
	} else if dequeued.TaskID != "task-1" {
		t.Errorf("expected TaskID = task-1, got %s", dequeued.TaskID)
	}
	if q.Len() != 0 {
		t.Errorf("expected Len() = 0 after dequeue, got %d", q.Len())
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	q := NewTaskQueue(10)
	if dequeued := q.Dequeue(); dequeued != nil {
		t.Errorf("expected nil from empty queue, got %v", dequeued)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := NewTaskQueue(10)

	enqueue(t, q, "low", 1)
	enqueue(t, q, "high", 10)
	enqueue(t, q, "medium", 5)

	// Dequeue should return highest priority first
	for _, want := range []string{"high", "medium", "low"} {
		got := q.Dequeue()
		if got.TaskID != want {
			t.Errorf("expected %s, got %s", want, got.TaskID)
		}
	}
}

func TestFIFOWithSamePriority(t *testing.T) {
	q := NewTaskQueue(10)

	base := time.Now()
	_ = q.Enqueue("first", 5, "QUALITY", base)
	_ = q.Enqueue("second", 5, "QUALITY", base.Add(time.Second))
	_ = q.Enqueue("third", 5, "QUALITY", base.Add(2*time.Second))

	for _, want := range []string{"first", "second", "third"} {
		got := q.Dequeue()
		if got.TaskID != want {
			t.Errorf("expected %s with FIFO ordering, got %s", want, got.TaskID)
		}
	}
}

func TestRemove(t *testing.T) {
	q := NewTaskQueue(10)

	enqueue(t, q, "task-1", 5)
	enqueue(t, q, "task-2", 3)

	if !q.Remove("task-1") {
		t.Error("Remove should return true for existing task")
	}
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1 after remove, got %d", q.Len())
	}
	if q.Remove("task-1") {
		t.Error("queue should not contain removed task")
	}
	if q.Contains("task-1") {
		t.Error("Contains should be false after remove")
	}
}

func TestRemoveNonExistent(t *testing.T) {
	q := NewTaskQueue(10)
	if q.Remove("non-existent") {
		t.Error("Remove should return false for non-existent task")
	}
}

func TestIsFull(t *testing.T) {
	q := NewTaskQueue(2)

	if q.IsFull() {
		t.Error("empty queue should not be full")
	}

	enqueue(t, q, "task-1", 5)
	if q.IsFull() {
		t.Error("queue with 1 item (capacity 2) should not be full")
	}

	enqueue(t, q, "task-2", 5)
	if !q.IsFull() {
		t.Error("queue at capacity should be full")
	}
}

func TestListDequeueOrder(t *testing.T) {
	q := NewTaskQueue(10)

	enqueue(t, q, "task-1", 5)
	enqueue(t, q, "task-2", 3)
	enqueue(t, q, "task-3", 7)

	list := q.List()
	if len(list) != 3 {
		t.Fatalf("expected List() to return 3 items, got %d", len(list))
	}
	if list[0].TaskID != "task-3" || list[1].TaskID != "task-1" || list[2].TaskID != "task-2" {
		t.Errorf("unexpected order: %s, %s, %s", list[0].TaskID, list[1].TaskID, list[2].TaskID)
	}
}

func TestUnlimitedQueue(t *testing.T) {
	// maxSize of 0 means unlimited
	q := NewTaskQueue(0)

	for i := 0; i < 100; i++ {
		if err := q.Enqueue(string(rune('a'+i)), 5, "QUALITY", time.Now()); err != nil {
			t.Fatalf("Enqueue failed on unlimited queue: %v", err)
		}
	}

	if q.IsFull() {
		t.Error("unlimited queue should never be full")
	}
}
