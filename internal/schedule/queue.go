package schedule

import "time"

// Task is a scheduled unit of work owned by one plugin. Fields are guarded
// by the scheduler's mutex; the heap index is maintained by taskQueue.
type Task struct {
	ID               string
	Plugin           string
	Name             string
	Trigger          Trigger
	Timeout          time.Duration
	FailureThreshold int

	Enabled             bool
	NextRun             time.Time
	ConsecutiveFailures int
	Fired               bool // One-shot bookkeeping

	seq   uint64 // Registration order, tie-break for equal NextRun
	index int    // Heap position, -1 when not queued
}

// taskQueue is a min-heap of enabled tasks ordered by NextRun, with
// registration order breaking ties deterministically.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].NextRun.Equal(q[j].NextRun) {
		return q[i].seq < q[j].seq
	}
	return q[i].NextRun.Before(q[j].NextRun)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
