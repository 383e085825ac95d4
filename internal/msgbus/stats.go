package msgbus

// Stats is a snapshot of bus activity
type Stats struct {
	// TotalBroadcast is the number of Broadcast calls that reached a known topic
	TotalBroadcast uint64

	// Topics is keyed by "namespace/name"
	Topics map[string]TopicStats
}

// TopicStats tracks a single topic
type TopicStats struct {
	Broadcasts  uint64
	Subscribers map[string]uint64 // endpoint id -> messages delivered
}

// Stats returns current bus statistics
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		TotalBroadcast: b.totalBroadcast.Load(),
		Topics:         make(map[string]TopicStats, len(b.topics)),
	}

	for _, t := range b.topics {
		ts := TopicStats{
			Broadcasts:  t.broadcasts.Load(),
			Subscribers: make(map[string]uint64, len(t.subscribers)),
		}
		for _, sub := range t.subscribers {
			ts.Subscribers[sub.id] = sub.delivered.Load()
		}
		s.Topics[t.name] = ts
	}

	return s
}
