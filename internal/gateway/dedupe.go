package gateway

import (
	"sync"
	"time"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

// deliveryDeduper remembers delivery ids for a while so redeliveries of the
// same webhook do not start a second job.
type deliveryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func newDeliveryDeduper(ttl time.Duration) *deliveryDeduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &deliveryDeduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// markIfNew returns true if the id has not been seen recently.
// When it returns true, the id is recorded with an expiry timestamp.
func (d *deliveryDeduper) markIfNew(id string) bool {
	now := nowFunc()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, key)
		}
	}

	if expiry, ok := d.entries[id]; ok && now.Before(expiry) {
		return false
	}

	d.entries[id] = now.Add(d.ttl)
	return true
}

// forget drops id so a redelivery is processed again.
func (d *deliveryDeduper) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
}
