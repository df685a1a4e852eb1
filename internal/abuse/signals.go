package abuse

import (
	"hash/fnv"
	"sync"
	"time"
)

// signalShards spreads subjects across independent locks. The counters
// only need to be approximately right: a transient under- or over-count
// shifts the risk score by a bounded, self-correcting amount.
const signalShards = 16

// windowCounter keeps per-subject event timestamps inside a sliding
// window, sharded by subject. Events age out naturally, so a one-time
// burst never penalizes a subject permanently. Nothing here is persisted.
type windowCounter struct {
	window time.Duration
	shards [signalShards]*counterShard
	now    func() time.Time
}

type counterShard struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

func newWindowCounter(window time.Duration) *windowCounter {
	c := &windowCounter{window: window, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &counterShard{events: make(map[string][]time.Time)}
	}
	return c
}

func (c *windowCounter) shard(subject string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(subject))
	return c.shards[h.Sum32()%signalShards]
}

// Record adds one event for the subject
func (c *windowCounter) Record(subject string) {
	now := c.now()
	s := c.shard(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[subject] = pruneBefore(append(s.events[subject], now), now.Add(-c.window))
}

// Count returns the number of events for the subject inside the window
func (c *windowCounter) Count(subject string) int {
	now := c.now()
	s := c.shard(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := pruneBefore(s.events[subject], now.Add(-c.window))
	if len(pruned) == 0 {
		delete(s.events, subject)
	} else {
		s.events[subject] = pruned
	}
	return len(pruned)
}

func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(events); i++ {
		if !events[i].Before(cutoff) {
			break
		}
	}
	return events[i:]
}

// distinctCounter tracks distinct string values (device fingerprints)
// seen per subject inside a sliding window
type distinctCounter struct {
	window time.Duration
	shards [signalShards]*distinctShard
	now    func() time.Time
}

type distinctShard struct {
	mu   sync.Mutex
	seen map[string]map[string]time.Time
}

func newDistinctCounter(window time.Duration) *distinctCounter {
	c := &distinctCounter{window: window, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &distinctShard{seen: make(map[string]map[string]time.Time)}
	}
	return c
}

func (c *distinctCounter) shard(subject string) *distinctShard {
	h := fnv.New32a()
	h.Write([]byte(subject))
	return c.shards[h.Sum32()%signalShards]
}

// Record notes that value was seen for subject
func (c *distinctCounter) Record(subject, value string) {
	s := c.shard(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.seen[subject]
	if !ok {
		values = make(map[string]time.Time)
		s.seen[subject] = values
	}
	values[value] = c.now()
}

// Count returns how many distinct values were seen for subject inside the
// window
func (c *distinctCounter) Count(subject string) int {
	cutoff := c.now().Add(-c.window)
	s := c.shard(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.seen[subject]
	for v, t := range values {
		if t.Before(cutoff) {
			delete(values, v)
		}
	}
	if len(values) == 0 {
		delete(s.seen, subject)
		return 0
	}
	return len(values)
}

// lastSeen remembers the most recent sighting of a subject for the
// geo-jump signal
type lastSeen struct {
	mu      sync.Mutex
	entries map[string]sighting
	now     func() time.Time
}

type sighting struct {
	ip  string
	at  time.Time
	lat float64
	lon float64
	geo bool
}

func newLastSeen() *lastSeen {
	return &lastSeen{entries: make(map[string]sighting), now: time.Now}
}

// Swap records the current sighting and returns the previous one, if any
func (l *lastSeen) Swap(subject, ip string, lat, lon float64, hasGeo bool) (sighting, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.entries[subject]
	l.entries[subject] = sighting{ip: ip, at: l.now(), lat: lat, lon: lon, geo: hasGeo}
	return prev, ok
}
