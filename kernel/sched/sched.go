package sched

import (
	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/kfmt"
	"github.com/keitagame/romanticos/kernel/mm/vmm"
	"github.com/keitagame/romanticos/kernel/proc"
)

var (
	errNoCurrent       = &kernel.Error{Module: "sched", Message: "no process is running"}
	errRunningOverlap  = &kernel.Error{Module: "sched", Message: "more than one process is running"}
	errQueuedNotReady  = &kernel.Error{Module: "sched", Message: "ready queue contains a non-ready process"}
	errScheduleRunning = &kernel.Error{Module: "sched", Message: "schedule invoked while a process is still running"}
)

// IdlePID is returned by Schedule when no process is ready and the idle
// context was installed instead.
const IdlePID = proc.PID(0)

// Scheduler owns the CPU: it decides which process context occupies the
// machine register file. All entry points that switch contexts take the
// current trap frame; installing a context is a rewrite of that frame, which
// the machine restores when the trap returns.
type Scheduler struct {
	table  *proc.Table
	kspace *vmm.AddressSpace
	policy Policy

	current *proc.Process

	// idle is the context installed when no process is ready: the boot
	// stack spinning in a halt loop with interrupts enabled.
	idle cpu.Registers

	// now counts timer ticks seen via OnTick; dispatched stamps the tick
	// at which the current process was installed.
	now        uint64
	dispatched uint64

	// timeSlice is the tick budget per dispatch; 0 disables preemption.
	// sliceLeft counts the current process's remaining budget.
	timeSlice uint32
	sliceLeft uint32
}

// New returns a scheduler over the given table. The kernel address space is
// activated while the CPU idles so a released process space is never left
// active. timeSlice is the preemption budget in timer ticks.
func New(table *proc.Table, kspace *vmm.AddressSpace, policy Policy, timeSlice uint32) *Scheduler {
	s := &Scheduler{
		table:     table,
		kspace:    kspace,
		policy:    policy,
		timeSlice: timeSlice,
	}
	s.idle.RFlags = cpu.DefaultRFlags
	return s
}

// Spawn creates a process through the table and makes it schedulable.
func (s *Scheduler) Spawn(entry uintptr, priority uint8) (*proc.Process, *kernel.Error) {
	p, err := s.table.Create(entry, priority)
	if err != nil {
		return nil, err
	}

	s.policy.Enqueue(p)
	return p, nil
}

// Current returns the running process, or nil while the CPU idles.
func (s *Scheduler) Current() *proc.Process {
	return s.current
}

// Policy returns the active scheduling policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Schedule picks the next process and installs its context into frame. The
// caller must already have transitioned the previous process out of the
// Running state. When nothing is ready the idle context is installed and
// IdlePID is returned; the next timer tick re-runs the decision.
func (s *Scheduler) Schedule(frame *cpu.Registers) proc.PID {
	if s.current != nil && s.current.State == proc.StateRunning {
		kfmt.Panic(errScheduleRunning)
	}

	next := s.policy.Pick()
	if next == nil {
		s.current = nil
		s.kspace.Activate()
		*frame = s.idle
		return IdlePID
	}

	if next.State != proc.StateReady {
		kfmt.Panic(errQueuedNotReady)
	}

	next.State = proc.StateRunning
	s.current = next
	s.dispatched = s.now
	s.sliceLeft = s.timeSlice

	next.Space.Activate()
	*frame = next.Context

	if s.table.RunningCount() != 1 {
		kfmt.Panic(errRunningOverlap)
	}

	return next.PID
}

// YieldCurrent saves the running process's context from frame, accounts its
// elapsed ticks, requeues it as Ready and schedules the next process. With
// no current process it simply re-runs the scheduling decision.
func (s *Scheduler) YieldCurrent(frame *cpu.Registers) {
	if p := s.current; p != nil {
		p.Context = *frame
		p.State = proc.StateReady
		p.VRuntime += s.now - s.dispatched
		s.policy.Enqueue(p)
		s.current = nil
	}

	s.Schedule(frame)
}

// BlockCurrent transitions the running process to Blocked with the given
// reason and wake tick, then schedules the next process. The blocked
// process resumes only after Unblock requeues it.
func (s *Scheduler) BlockCurrent(frame *cpu.Registers, reason proc.BlockReason, wakeTick uint64) {
	p := s.current
	if p == nil {
		kfmt.Panic(errNoCurrent)
	}

	p.Context = *frame
	p.State = proc.StateBlocked
	p.Reason = reason
	p.WakeTick = wakeTick
	p.VRuntime += s.now - s.dispatched
	s.current = nil

	s.Schedule(frame)
}

// Unblock makes a blocked process schedulable again. Unblocking a process
// that is not blocked, or a PID without a record, is a no-op so wakeups are
// idempotent.
func (s *Scheduler) Unblock(pid proc.PID) {
	p := s.table.Lookup(pid)
	if p == nil || p.State != proc.StateBlocked {
		return
	}

	p.State = proc.StateReady
	p.Reason = proc.BlockNone
	s.policy.Enqueue(p)
}

// TerminateCurrent tears down the running process and schedules the next
// one. The frame no longer belongs to the terminated process when this
// returns; control never resumes in the dead context.
func (s *Scheduler) TerminateCurrent(frame *cpu.Registers, exitCode int32) {
	p := s.current
	if p == nil {
		kfmt.Panic(errNoCurrent)
	}

	s.table.Teardown(p, exitCode)
	s.current = nil

	s.Schedule(frame)
}

// WakeSleepers unblocks every process whose sleep deadline has passed. now
// is the timer tick counter the deadlines were staged against.
func (s *Scheduler) WakeSleepers(now uint64) {
	for _, p := range s.table.Processes() {
		if p.State == proc.StateBlocked && p.Reason == proc.BlockSleep && p.WakeTick <= now {
			s.Unblock(p.PID)
		}
	}
}

// OnTick is the timer preemption hook, invoked once per timer interrupt
// with the trap frame. It charges the running process's slice budget and
// forces a yield when the budget is spent; while idling it re-runs the
// scheduling decision as soon as any process becomes ready.
func (s *Scheduler) OnTick(frame *cpu.Registers) {
	s.now++

	if s.current == nil {
		if s.policy.Len() > 0 {
			s.Schedule(frame)
		}
		return
	}

	if s.timeSlice == 0 {
		return
	}

	if s.sliceLeft > 0 {
		s.sliceLeft--
	}
	if s.sliceLeft == 0 {
		s.YieldCurrent(frame)
	}
}
