package connector

import (
	"time"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/seen"
)

// cacheDeduper keeps processed ids in a seen.Cache. It forgets everything on
// restart; use store.Bolt to keep the index across runs. The window is the
// cache's, fixed when the connector is built, and time comes from the
// connector's clock, so the now and ttl arguments are not consulted.
type cacheDeduper struct {
	cache *seen.Cache
}

func newCacheDeduper(expiry time.Duration, now func() time.Time) *cacheDeduper {
	return &cacheDeduper{cache: seen.NewWithClock(expiry, now)}
}

func (d *cacheDeduper) Processed(id string, _ time.Time) (bool, error) {
	return d.cache.Has(id), nil
}

func (d *cacheDeduper) MarkProcessed(id string, _ time.Time, _ time.Duration) error {
	d.cache.Add(id)
	return nil
}
