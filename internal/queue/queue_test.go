package queue

import (
	"testing"
	"time"
)

func TestPushPopOrdersByPriority(t *testing.T) {
	q := New()
	q.Push(&Item{TaskID: "low", Priority: "low"})
	q.Push(&Item{TaskID: "critical", Priority: "critical"})
	q.Push(&Item{TaskID: "normal", Priority: "normal"})

	first, ok := q.Pop()
	if !ok || first.TaskID != "critical" {
		t.Fatalf("expected critical first, got %+v", first)
	}
	second, _ := q.Pop()
	if second.TaskID != "normal" {
		t.Fatalf("expected normal second, got %+v", second)
	}
	third, _ := q.Pop()
	if third.TaskID != "low" {
		t.Fatalf("expected low third, got %+v", third)
	}
}

func TestDependentCountBreaksTiesWithinPriority(t *testing.T) {
	q := New()
	q.Push(&Item{TaskID: "a", Priority: "normal", DependentCount: 0})
	q.Push(&Item{TaskID: "b", Priority: "normal", DependentCount: 5})

	first, _ := q.Pop()
	if first.TaskID != "b" {
		t.Fatalf("expected higher dependent-count item first, got %s", first.TaskID)
	}
}

func TestWaitBonusEventuallyPromotesStarvedItem(t *testing.T) {
	q := New()
	longWaiting := &Item{TaskID: "old", Priority: "low", ReadyAt: time.Now().Add(-time.Hour)}
	q.Push(longWaiting)
	q.Push(&Item{TaskID: "new", Priority: "normal"})

	first, _ := q.Pop()
	if first.TaskID != "old" {
		t.Fatalf("expected the hour-long wait bonus to lift the low-priority item over normal, got %s", first.TaskID)
	}
}

func TestDeadlineUrgencyBoostsScore(t *testing.T) {
	q := New()
	soon := time.Now().Add(time.Minute)
	q.Push(&Item{TaskID: "urgent", Priority: "low", Deadline: &soon})
	q.Push(&Item{TaskID: "normal", Priority: "normal"})

	first, _ := q.Pop()
	if first.TaskID != "urgent" {
		t.Fatalf("expected deadline-urgent low-priority task to win, got %s", first.TaskID)
	}
}

func TestRemoveAndUpdateDependentCount(t *testing.T) {
	q := New()
	q.Push(&Item{TaskID: "a", Priority: "normal"})
	q.Push(&Item{TaskID: "b", Priority: "normal"})

	if !q.Remove("a") {
		t.Fatalf("expected remove to succeed")
	}
	if q.Len() != 1 {
		t.Fatalf("expected len 1 after remove, got %d", q.Len())
	}
	if !q.UpdateDependentCount("b", 10) {
		t.Fatalf("expected update to succeed")
	}
	item, _ := q.Peek()
	if item.DependentCount != 10 {
		t.Fatalf("expected updated dependent count, got %d", item.DependentCount)
	}
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	q := New()
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue pop to fail")
	}
}
