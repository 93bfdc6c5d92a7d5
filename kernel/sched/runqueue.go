package sched

// RunQueue keeps the dispatch order of tasks as a sequence of ids.
type RunQueue struct {
	ids []TaskID
}

// Len returns the number of queued tasks.
func (q *RunQueue) Len() int {
	return len(q.ids)
}

// Push appends a task to the tail of the queue.
func (q *RunQueue) Push(id TaskID) {
	q.ids = append(q.ids, id)
}

// Remove takes a task out of the queue. It returns false if the task was
// not queued.
func (q *RunQueue) Remove(id TaskID) bool {
	index := q.indexOf(id)
	if index < 0 {
		return false
	}

	q.ids = append(q.ids[:index], q.ids[index+1:]...)
	return true
}

// Contains returns true if the task is queued.
func (q *RunQueue) Contains(id TaskID) bool {
	return q.indexOf(id) >= 0
}

// Next returns the first task after prev, in queue order and wrapping to
// the head, for which eligible returns true. If prev is not queued the
// search starts at the head. prev itself is considered last.
func (q *RunQueue) Next(prev TaskID, eligible func(TaskID) bool) (TaskID, bool) {
	start := q.indexOf(prev) + 1
	for i := 0; i < len(q.ids); i++ {
		id := q.ids[(start+i)%len(q.ids)]
		if eligible(id) {
			return id, true
		}
	}

	return 0, false
}

// Snapshot returns a copy of the queue contents in dispatch order.
func (q *RunQueue) Snapshot() []TaskID {
	return append([]TaskID(nil), q.ids...)
}

func (q *RunQueue) indexOf(id TaskID) int {
	for index, queued := range q.ids {
		if queued == id {
			return index
		}
	}
	return -1
}
