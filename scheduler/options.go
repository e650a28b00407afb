package scheduler

import "github.com/expoli/sylar-go/fiber"

// Hooks lets a Scheduler subclass override tickle/idle behavior without
// C++-style virtual inheritance: ioman.IOManager embeds a *Scheduler and
// passes itself as Hooks at construction, the idiomatic Go substitute for
// sylar::Scheduler's virtual tickle()/idle() methods. Stopping is not a
// hook: ioman.IOManager defines its own Stopping and consults it from its
// Idle.
type Hooks interface {
	// Tickle wakes any worker parked in Idle, e.g. because new work just
	// became available for it specifically (ThreadHint) or the scheduler
	// is stopping.
	Tickle()
	// Idle runs on a dedicated fiber whenever a worker's queue scan finds
	// nothing runnable. It must periodically yield to Hold so the
	// dispatch loop gets a chance to re-check stopping(); it returns (and
	// lets its fiber reach Term) once the scheduler is fully stopped.
	Idle(s *Scheduler)
}

// baseHooks is the default Hooks implementation: tickle is a no-op (there
// is no reactor to wake), and idle just yields to Hold until stopping(),
// matching sylar::Scheduler's own tickle()/idle() base-class bodies.
type baseHooks struct{}

func (baseHooks) Tickle() {}

func (baseHooks) Idle(s *Scheduler) {
	for !s.Stopping() {
		fiber.YieldToHold()
	}
}

// config holds Scheduler construction options.
type config struct {
	hooks Hooks
}

// Option configures a Scheduler at construction.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithHooks overrides the scheduler's tickle/idle behavior. ioman.New uses
// this to install its epoll-aware reactor; schedulers constructed without
// it get baseHooks.
func WithHooks(h Hooks) Option {
	return optionFunc(func(c *config) { c.hooks = h })
}

func resolveOptions(opts []Option) *config {
	c := &config{hooks: baseHooks{}}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.apply(c)
	}
	return c
}
