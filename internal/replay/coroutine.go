package replay

import (
	"runtime/debug"
)

// killed is panicked inside a coroutine to unwind it when the drive ends.
type killed struct{}

// coroutine runs one strand of orchestration code on its own goroutine.
// Control is handed back and forth over unbuffered channels, so exactly one
// of the scheduler or a coroutine runs at any time.
type coroutine struct {
	name   string
	resume chan struct{}
	yield  chan struct{}

	// cond is what the coroutine waits for; nil means ready to run.
	cond    func() bool
	started bool
	done    bool
	killing bool

	panicked   bool
	panicValue any
	panicStack string
}

// scheduler runs coroutines in creation order until none can progress.
type scheduler struct {
	coroutines []*coroutine
	current    *coroutine
	// failed is the first coroutine that panicked.
	failed *coroutine
}

func (s *scheduler) spawn(name string, f func()) *coroutine {
	c := &coroutine{
		name:   name,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(killed); !ok {
					c.panicked = true
					c.panicValue = r
					c.panicStack = string(debug.Stack())
				}
			}
			c.done = true
			c.yield <- struct{}{}
		}()
		<-c.resume
		if c.killing {
			return
		}
		f()
	}()
	s.coroutines = append(s.coroutines, c)
	return c
}

// runUntilBlocked resumes every runnable coroutine, in creation order,
// until a full pass makes no progress or a coroutine panics.
func (s *scheduler) runUntilBlocked() {
	for {
		progress := false
		for i := 0; i < len(s.coroutines); i++ {
			c := s.coroutines[i]
			if c.done || (c.cond != nil && !c.cond()) {
				continue
			}
			s.step(c)
			progress = true
			if c.panicked {
				if s.failed == nil {
					s.failed = c
				}
				return
			}
		}
		if !progress {
			break
		}
	}
	s.prune()
}

func (s *scheduler) step(c *coroutine) {
	prev := s.current
	s.current = c
	c.started = true
	c.cond = nil
	c.resume <- struct{}{}
	<-c.yield
	s.current = prev
}

// await parks the current coroutine until cond holds.
func (s *scheduler) await(cond func() bool) {
	c := s.current
	if c == nil {
		panic("await outside a coroutine")
	}
	if cond() {
		return
	}
	c.cond = cond
	c.yield <- struct{}{}
	<-c.resume
	if c.killing {
		panic(killed{})
	}
}

// kill unwinds every coroutine that has not finished.
func (s *scheduler) kill() {
	for _, c := range s.coroutines {
		if c.done {
			continue
		}
		c.killing = true
		c.resume <- struct{}{}
		<-c.yield
	}
	s.coroutines = nil
}

func (s *scheduler) prune() {
	live := s.coroutines[:0]
	for _, c := range s.coroutines {
		if !c.done {
			live = append(live, c)
		}
	}
	s.coroutines = live
}

func (s *scheduler) blocked() []string {
	var names []string
	for _, c := range s.coroutines {
		if !c.done {
			names = append(names, c.name)
		}
	}
	return names
}
