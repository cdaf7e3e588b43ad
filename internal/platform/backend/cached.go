package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opd/internal/domain/consultation"
	"github.com/ehr/opd/internal/platform/cache"
)

const (
	DefaultCacheTTL = 10 * time.Minute

	labCatalogKey = "lab-tests"
)

func doctorKey(id int64) string {
	return fmt.Sprintf("doctor:%d", id)
}

// Cached serves doctors and the lab catalog through a read-through cache.
// Appointments, patients and lab orders change during an encounter and
// always go to the backend. Cache failures degrade to direct reads.
type Cached struct {
	consultation.Backend
	cache  cache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCached(b consultation.Backend, c cache.Cache, ttl time.Duration, logger zerolog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		Backend: b,
		cache:   c,
		ttl:     ttl,
		logger:  logger.With().Str("component", "reference-cache").Logger(),
	}
}

func (c *Cached) GetDoctor(ctx context.Context, id int64) (*consultation.Doctor, error) {
	key := doctorKey(id)
	var d consultation.Doctor
	if c.lookup(ctx, key, &d) {
		return &d, nil
	}
	doc, err := c.Backend.GetDoctor(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, doc)
	return doc, nil
}

func (c *Cached) ListLabCatalog(ctx context.Context) ([]consultation.LabTest, error) {
	var tests []consultation.LabTest
	if c.lookup(ctx, labCatalogKey, &tests) {
		return tests, nil
	}
	tests, err := c.Backend.ListLabCatalog(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, labCatalogKey, tests)
	return tests, nil
}

// Invalidate drops the given doctors, and the lab catalog when catalog is
// set, so the next reads refetch them from the backend.
func (c *Cached) Invalidate(ctx context.Context, catalog bool, doctorIDs ...int64) error {
	keys := make([]string, 0, len(doctorIDs)+1)
	if catalog {
		keys = append(keys, labCatalogKey)
	}
	for _, id := range doctorIDs {
		keys = append(keys, doctorKey(id))
	}
	if len(keys) == 0 {
		return nil
	}
	return c.cache.Delete(ctx, keys...)
}

func (c *Cached) lookup(ctx context.Context, key string, dst interface{}) bool {
	err := c.cache.Get(ctx, key, dst)
	if err == nil {
		return true
	}
	if !errors.Is(err, cache.ErrMiss) {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	return false
}

func (c *Cached) store(ctx context.Context, key string, v interface{}) {
	if err := c.cache.Set(ctx, key, v, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}
