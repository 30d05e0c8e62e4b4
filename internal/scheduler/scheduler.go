// Package scheduler implements a cooperative, single-threaded priority-queue
// job scheduler: jobs are re-enqueued at their previous scheduled time plus
// their interval (not "now plus interval"), preserving long-run cadence
// under jitter.
package scheduler

import (
	"container/heap"
	"time"
)

// Job is a scheduled unit of work.
type Job struct {
	interval time.Duration
	fn       func() error
	next     time.Time
	seq      int // insertion order, breaks ties for same-tick jobs
}

// jobQueue implements container/heap.Interface, ordered by next run time
// then by insertion order.
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].seq < q[j].seq
	}
	return q[i].next.Before(q[j].next)
}
func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x any)   { *q = append(*q, x.(*Job)) }
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Scheduler is a priority queue of interval jobs.
type Scheduler struct {
	queue   jobQueue
	nextSeq int
	now     func() time.Time
}

// New creates an empty Scheduler. nowFn defaults to time.Now if nil (a
// seam for deterministic tests).
func New(nowFn func() time.Time) *Scheduler {
	if nowFn == nil {
		nowFn = time.Now
	}
	s := &Scheduler{now: nowFn}
	heap.Init(&s.queue)
	return s
}

// Add schedules fn to run every interval, starting at now()+interval.
func (s *Scheduler) Add(interval time.Duration, fn func() error) {
	job := &Job{interval: interval, fn: fn, next: s.now().Add(interval), seq: s.nextSeq}
	s.nextSeq++
	heap.Push(&s.queue, job)
}

// RunPending runs every job whose scheduled time has arrived, re-enqueuing
// each at its previous scheduled time plus its interval. If catchAll is
// false, the first job error aborts the batch and is returned; otherwise
// errors are passed to onError and swallowed.
func (s *Scheduler) RunPending(catchAll bool, onError func(error)) error {
	now := s.now()
	for s.queue.Len() > 0 && !s.queue[0].next.After(now) {
		job := heap.Pop(&s.queue).(*Job)
		err := job.fn()
		job.next = job.next.Add(job.interval)
		heap.Push(&s.queue, job)
		if err != nil {
			if !catchAll {
				return err
			}
			if onError != nil {
				onError(err)
			}
		}
	}
	return nil
}

// RunAll runs every currently scheduled job once immediately, staggering
// each call by delay and re-enqueuing at now()+interval (an override of the
// normal cadence-preserving re-enqueue) so a bulk forced run doesn't
// stampede the next natural tick.
func (s *Scheduler) RunAll(delay time.Duration, onError func(error)) {
	all := make([]*Job, 0, s.queue.Len())
	for s.queue.Len() > 0 {
		all = append(all, heap.Pop(&s.queue).(*Job))
	}
	for i, job := range all {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		if err := job.fn(); err != nil && onError != nil {
			onError(err)
		}
		job.next = s.now().Add(job.interval)
		heap.Push(&s.queue, job)
	}
}

// RunForever polls RunPending every pollInterval until stop is closed. A
// non-catchAll error terminates the loop and is returned.
func (s *Scheduler) RunForever(pollInterval time.Duration, catchAll bool, onError func(error), stop <-chan struct{}) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if err := s.RunPending(catchAll, onError); err != nil {
				return err
			}
		}
	}
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int { return s.queue.Len() }
