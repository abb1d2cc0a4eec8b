package capture

import "time"

// Correlator remembers when each flow's request was first observed so the
// response can be timed. It is not safe for concurrent use; the Recorder
// serializes access.
type Correlator struct {
	starts map[string]time.Time
}

// NewCorrelator creates an empty correlation table
func NewCorrelator() *Correlator {
	return &Correlator{starts: make(map[string]time.Time)}
}

// RecordStart stores t as the start of flowID, replacing any earlier value
func (c *Correlator) RecordStart(flowID string, t time.Time) {
	c.starts[flowID] = t
}

// Elapsed returns now minus the recorded start of flowID. The entry is kept,
// so repeated calls are allowed. ok is false when no start was recorded.
func (c *Correlator) Elapsed(flowID string, now time.Time) (d time.Duration, ok bool) {
	start, ok := c.starts[flowID]
	if !ok {
		return 0, false
	}
	return now.Sub(start), true
}

// Len returns the number of tracked flows
func (c *Correlator) Len() int {
	return len(c.starts)
}
