// Package rpclimit bounds how many RPC handler methods run at once,
// independent of how many connections net/rpc has accepted below it.
// rpc.Accept spawns one goroutine per inbound call with no cap of its
// own, so without a gate in front of method dispatch a burst of calls
// on a handful of connections can run unboundedly many handlers
// concurrently; Limiter caps that at a fixed pool size shared by every
// exported method on a replica's RPC surface.
package rpclimit

// DefaultSize is the worker pool size used when a replica does not
// configure one explicitly.
const DefaultSize = 10

// Limiter is a counting semaphore: at most N callers may hold it at
// once, everyone else blocks in Acquire until a slot frees up.
type Limiter struct {
	sem chan struct{}
}

// New returns a Limiter admitting at most n concurrent callers.
func New(n int) *Limiter {
	if n <= 0 {
		n = DefaultSize
	}
	return &Limiter{sem: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free.
func (l *Limiter) Acquire() { l.sem <- struct{}{} }

// Release frees a slot. Must be called exactly once per Acquire.
func (l *Limiter) Release() { <-l.sem }

// Run holds one slot for the duration of fn, blocking first if the
// pool is already full.
func (l *Limiter) Run(fn func() error) error {
	l.Acquire()
	defer l.Release()
	return fn()
}
