package grading

import "time"

// TaskScore is a finished task with its passed test count for one category
type TaskScore struct {
	TaskID    uint64
	QueueTime time.Time
	Passed    int
}

// BestCandidate picks the winning task: highest passed count, ties broken by
// the latest queue time (the most recent submission wins). Returns false when
// no task qualifies.
func BestCandidate(scores []TaskScore) (TaskScore, bool) {
	if len(scores) == 0 {
		return TaskScore{}, false
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Passed > best.Passed ||
			(s.Passed == best.Passed && s.QueueTime.After(best.QueueTime)) {
			best = s
		}
	}
	return best, true
}
