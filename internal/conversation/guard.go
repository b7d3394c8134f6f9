package conversation

import "sync"

// Guard serializes turns on the same conversation. Concurrent turns on
// different conversations proceed independently; two turns on one
// conversation queue behind a per-id mutex so message ordering holds.
//
// Entries are reference-counted and removed when the last holder
// releases, so the table does not grow with the number of conversations
// ever seen.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*guardEntry
}

type guardEntry struct {
	mu   sync.Mutex
	refs int
}

// NewGuard creates an empty guard table.
func NewGuard() *Guard {
	return &Guard{locks: make(map[string]*guardEntry)}
}

// Lock blocks until the conversation is free and returns the release
// function. The release function must be called exactly once.
func (g *Guard) Lock(convID string) func() {
	g.mu.Lock()
	e, ok := g.locks[convID]
	if !ok {
		e = &guardEntry{}
		g.locks[convID] = e
	}
	e.refs++
	g.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		g.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(g.locks, convID)
		}
		g.mu.Unlock()
	}
}
