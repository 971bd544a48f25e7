package uspt

import (
	"fmt"

	"github.com/google/btree"
)

//ackResult is sent to a blocked guest context exactly once
type ackResult struct {
	aborted bool
}

type queuedEvent struct {
	Event
	//delivered is set once PollEvent handed the event to the monitor
	delivered bool
	//waiter is nil for batch events
	waiter chan ackResult
	//matched holds the modes that were disarmed by this fault
	matched modeSet
}

func lessByID(a, b *queuedEvent) bool {
	return a.ID < b.ID
}

//eventQueue is a bounded FIFO ordered by event id. Not safe for concurrent use
type eventQueue struct {
	tree     *btree.BTreeG[*queuedEvent]
	capacity int
}

const btreeDegree = 8

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{
		tree:     btree.NewG[*queuedEvent](btreeDegree, lessByID),
		capacity: capacity,
	}
}

func (q *eventQueue) push(e *queuedEvent) error {
	if q.tree.Len() >= q.capacity {
		return fmt.Errorf("event queue holds %v events : %w", q.capacity, ErrCapacity)
	}
	if _, replaced := q.tree.ReplaceOrInsert(e); replaced {
		//ids come from a counter guarded by the same lock as the queue
		panic(fmt.Sprintf("duplicate event id %v", e.ID))
	}
	return nil
}

func (q *eventQueue) popByID(id uint64) (*queuedEvent, bool) {
	return q.tree.Delete(&queuedEvent{Event: Event{ID: id}})
}

//oldestUndelivered returns the oldest event not yet handed to the monitor
func (q *eventQueue) oldestUndelivered() (*queuedEvent, bool) {
	var res *queuedEvent
	q.tree.Ascend(func(e *queuedEvent) bool {
		if !e.delivered {
			res = e
			return false
		}
		return true
	})
	return res, res != nil
}

//drain removes and returns up to max of the oldest events in creation order
func (q *eventQueue) drain(max uint64) []*queuedEvent {
	n := uint64(q.tree.Len())
	if max < n {
		n = max
	}
	res := make([]*queuedEvent, 0, n)
	for uint64(len(res)) < n {
		e, ok := q.tree.DeleteMin()
		if !ok {
			break
		}
		res = append(res, e)
	}
	return res
}

//clear empties the queue and returns the removed events
func (q *eventQueue) clear() []*queuedEvent {
	return q.drain(uint64(q.tree.Len()))
}

func (q *eventQueue) count() int {
	return q.tree.Len()
}
