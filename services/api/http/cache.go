package http

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/02loveslollipop/metrobike-atlas/internal/silver"
)

// tableCache keeps loaded Silver builds keyed by build id. A newly published build
// has a new id, so it is picked up on the next request without waiting for the TTL.
type tableCache struct {
	reader *silver.Reader
	cache  *ttlcache.Cache[string, *silver.Tables]
	group  singleflight.Group
}

func newTableCache(reader *silver.Reader, ttl time.Duration) *tableCache {
	opts := []ttlcache.Option[string, *silver.Tables]{ttlcache.WithCapacity[string, *silver.Tables](2)}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[string, *silver.Tables](ttl))
	}
	return &tableCache{reader: reader, cache: ttlcache.New(opts...)}
}

// Current returns the published build, loading it at most once per id.
func (c *tableCache) Current() (*silver.Tables, error) {
	id, err := c.reader.CurrentBuildID()
	if err != nil {
		return nil, err
	}
	if item := c.cache.Get(id); item != nil {
		return item.Value(), nil
	}
	v, err, _ := c.group.Do(id, func() (any, error) {
		t, err := c.reader.LoadBuild(id)
		if err != nil {
			return nil, err
		}
		c.cache.Set(id, t, ttlcache.DefaultTTL)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*silver.Tables), nil
}
