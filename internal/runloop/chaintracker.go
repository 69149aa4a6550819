package runloop

import "sync"

// ChainTracker bounds the number of simultaneous live tasks sharing a
// correlation id, preventing an agent's self-emitted follow-ups from
// fanning out without limit.
type ChainTracker struct {
	mu            sync.Mutex
	live          map[string]int
	maxChainDepth int
}

// NewChainTracker creates a tracker capping any single chain at
// maxChainDepth simultaneous live tasks.
func NewChainTracker(maxChainDepth int) *ChainTracker {
	return &ChainTracker{
		live:          make(map[string]int),
		maxChainDepth: maxChainDepth,
	}
}

// TryProduce atomically increments the live count for correlationID if it
// is below the cap, returning a *ChainLimitError otherwise. An empty
// correlationID bypasses the tracker entirely (unbounded).
func (c *ChainTracker) TryProduce(correlationID string) error {
	if correlationID == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live[correlationID] >= c.maxChainDepth {
		return &ChainLimitError{CorrelationID: correlationID, Limit: c.maxChainDepth}
	}
	c.live[correlationID]++
	return nil
}

// Release decrements the live count for correlationID by one, dropping the
// entry once it reaches zero. Called when a produced task finishes
// (successfully, after exhausting retries, or is dropped).
func (c *ChainTracker) Release(correlationID string) {
	if correlationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live[correlationID] <= 1 {
		delete(c.live, correlationID)
		return
	}
	c.live[correlationID]--
}

// ResetChain drops the entry for correlationID entirely.
func (c *ChainTracker) ResetChain(correlationID string) {
	if correlationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, correlationID)
}

// LiveCount returns the current live count for correlationID (0 if absent).
func (c *ChainTracker) LiveCount(correlationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[correlationID]
}
