package service

import (
	"container/heap"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
)

// retryTimer is one scheduled retry: fire at dueAt and open the next attempt
// on the triple's channel.
type retryTimer struct {
	dueAt       time.Time
	alertID     string
	recipientID string
	channel     domain.Channel
	round       int
	severity    domain.Severity
	index       int
}

// timerQueue is a min-heap of retry timers ordered by due time. Callers hold
// the tracker mutex; the queue itself is not synchronized.
type timerQueue struct {
	items []*retryTimer
}

func newTimerQueue() *timerQueue {
	q := &timerQueue{}
	heap.Init(q)
	return q
}

func (q *timerQueue) Len() int { return len(q.items) }

func (q *timerQueue) Less(i, j int) bool {
	return q.items[i].dueAt.Before(q.items[j].dueAt)
}

func (q *timerQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *timerQueue) Push(x any) {
	item := x.(*retryTimer)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *timerQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}

func (q *timerQueue) schedule(t *retryTimer) {
	heap.Push(q, t)
}

// peek returns the earliest timer without removing it.
func (q *timerQueue) peek() (*retryTimer, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// popDue removes and returns the earliest timer if it is due at now.
func (q *timerQueue) popDue(now time.Time) (*retryTimer, bool) {
	if len(q.items) == 0 || q.items[0].dueAt.After(now) {
		return nil, false
	}
	return heap.Pop(q).(*retryTimer), true
}

// removeAlert drops every scheduled timer belonging to an alert and returns
// how many it removed.
func (q *timerQueue) removeAlert(alertID string) int {
	removed := 0
	for i := 0; i < len(q.items); {
		if q.items[i].alertID == alertID {
			heap.Remove(q, i)
			removed++
			continue
		}
		i++
	}
	return removed
}
