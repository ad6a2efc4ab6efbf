// Package sched decides which process runs. A Scheduler drives state
// transitions and context switches through trap frames; the pick order is
// delegated to a Policy so the scheduling discipline is configuration, not
// code structure.
package sched

import (
	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/proc"
)

// ErrUnknownPolicy is returned by NewPolicy for unrecognized policy names.
var ErrUnknownPolicy = &kernel.Error{Module: "sched", Message: "unknown scheduling policy"}

// Policy maintains the ready queue. Enqueue adds a Ready process; Pick
// removes and returns the next process to run, or nil when no process is
// ready.
type Policy interface {
	Name() string
	Enqueue(p *proc.Process)
	Pick() *proc.Process
	Len() int
}

// NewPolicy returns the policy registered under name: "rr" (round-robin),
// "priority" or "fair".
func NewPolicy(name string) (Policy, *kernel.Error) {
	switch name {
	case "rr":
		return &roundRobin{}, nil
	case "priority":
		return &priorityQueue{}, nil
	case "fair":
		return &fairQueue{}, nil
	}
	return nil, ErrUnknownPolicy
}

// roundRobin serves processes strictly in enqueue order.
type roundRobin struct {
	queue []*proc.Process
}

func (rr *roundRobin) Name() string { return "rr" }
func (rr *roundRobin) Len() int     { return len(rr.queue) }

func (rr *roundRobin) Enqueue(p *proc.Process) {
	rr.queue = append(rr.queue, p)
}

func (rr *roundRobin) Pick() *proc.Process {
	if len(rr.queue) == 0 {
		return nil
	}

	p := rr.queue[0]
	rr.queue = rr.queue[1:]
	return p
}

// priorityQueue serves the highest Priority value first; processes of equal
// priority run in enqueue order.
type priorityQueue struct {
	queue []*proc.Process
}

func (pq *priorityQueue) Name() string { return "priority" }
func (pq *priorityQueue) Len() int     { return len(pq.queue) }

func (pq *priorityQueue) Enqueue(p *proc.Process) {
	pq.queue = append(pq.queue, p)
}

func (pq *priorityQueue) Pick() *proc.Process {
	if len(pq.queue) == 0 {
		return nil
	}

	best := 0
	for i := 1; i < len(pq.queue); i++ {
		if pq.queue[i].Priority > pq.queue[best].Priority {
			best = i
		}
	}

	p := pq.queue[best]
	pq.queue = append(pq.queue[:best], pq.queue[best+1:]...)
	return p
}

// fairQueue serves the smallest accrued virtual runtime first; ties go to
// the lowest PID so the order is deterministic.
type fairQueue struct {
	queue []*proc.Process
}

func (fq *fairQueue) Name() string { return "fair" }
func (fq *fairQueue) Len() int     { return len(fq.queue) }

func (fq *fairQueue) Enqueue(p *proc.Process) {
	fq.queue = append(fq.queue, p)
}

func (fq *fairQueue) Pick() *proc.Process {
	if len(fq.queue) == 0 {
		return nil
	}

	best := 0
	for i := 1; i < len(fq.queue); i++ {
		cand := fq.queue[i]
		if cand.VRuntime < fq.queue[best].VRuntime ||
			(cand.VRuntime == fq.queue[best].VRuntime && cand.PID < fq.queue[best].PID) {
			best = i
		}
	}

	p := fq.queue[best]
	fq.queue = append(fq.queue[:best], fq.queue[best+1:]...)
	return p
}
