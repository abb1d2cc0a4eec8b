package capture

// Aggregator holds everything captured during a session: the ordered
// activity log, the per-URL performance table and the ordered WebSocket
// message log. Like Correlator it relies on the Recorder for locking.
type Aggregator struct {
	activity    []ActivityEntry
	performance map[string]PerformanceRecord
	messages    []StreamMessageEntry
}

// NewAggregator creates empty stores
func NewAggregator() *Aggregator {
	return &Aggregator{
		activity:    make([]ActivityEntry, 0, 64),
		performance: make(map[string]PerformanceRecord),
		messages:    make([]StreamMessageEntry, 0),
	}
}

// AppendActivity adds an entry at the end of the activity log
func (a *Aggregator) AppendActivity(entry ActivityEntry) {
	a.activity = append(a.activity, entry)
}

// UpsertPerformance stores rec under url, replacing any earlier record
func (a *Aggregator) UpsertPerformance(url string, rec PerformanceRecord) {
	a.performance[url] = rec
}

// AppendMessage adds a WebSocket message at the end of the message log
func (a *Aggregator) AppendMessage(msg StreamMessageEntry) {
	a.messages = append(a.messages, msg)
}

// Snapshot is a point-in-time copy of the stores
type Snapshot struct {
	Activity    []ActivityEntry
	Performance map[string]PerformanceRecord
	Messages    []StreamMessageEntry
	Requests    int
	Responses   int
}

// Snapshot copies the stores so they can be serialized without holding the lock.
// Entries themselves are never mutated after being appended, so a shallow copy suffices.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{
		Activity:    make([]ActivityEntry, len(a.activity)),
		Performance: make(map[string]PerformanceRecord, len(a.performance)),
		Messages:    make([]StreamMessageEntry, len(a.messages)),
	}
	copy(snap.Activity, a.activity)
	copy(snap.Messages, a.messages)
	for url, rec := range a.performance {
		snap.Performance[url] = rec
	}

	for _, entry := range snap.Activity {
		switch entry.Kind() {
		case KindRequest:
			snap.Requests++
		case KindResponse:
			snap.Responses++
		}
	}
	return snap
}
