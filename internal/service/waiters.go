package service

import (
	"sync"
)

// waiterTracker counts callers queued on the same location key. Enter increments
// and returns the count; Leave decrements. A count above 1 means callers are
// lined up behind one refresh.
type waiterTracker struct {
	mu     sync.Mutex     // protects active
	active map[string]int // key -> callers between Enter and Leave
}

func newWaiterTracker() *waiterTracker {
	return &waiterTracker{
		active: make(map[string]int),
	}
}

// Enter records a caller for key and returns the count after incrementing.
// Caller should defer Leave(key).
func (wt *waiterTracker) Enter(key string) int {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	wt.active[key]++
	return wt.active[key]
}

// Leave records that a caller for key is done.
func (wt *waiterTracker) Leave(key string) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if count, ok := wt.active[key]; ok && count > 0 {
		wt.active[key]--
		if wt.active[key] == 0 {
			delete(wt.active, key)
		}
	}
}
