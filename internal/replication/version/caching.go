package version

import (
	"context"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
)

// CachingHistory keeps recently used birth certificates of a History in
// memory. Certificates never change once created, so entries only leave the
// cache when evicted or when their branch is deleted.
type CachingHistory struct {
	History
	cache            *lru.Cache
	cacheAccessTotal *prometheus.CounterVec
}

// NewCachingHistory wraps h with a cache of up to size certificates.
func NewCachingHistory(h History, size int) (*CachingHistory, error) {
	cached := &CachingHistory{
		History: h,
		cacheAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_branch_history_cache_access_total",
				Help: "Total number of birth certificate cache accesses",
			},
			[]string{"type"},
		),
	}

	cache, err := lru.NewWithEvict(size, func(key interface{}, value interface{}) {
		cached.cacheAccessTotal.WithLabelValues("evict").Inc()
	})
	if err != nil {
		return nil, err
	}
	cached.cache = cache

	return cached, nil
}

// Branch implements Reader.
func (c *CachingHistory) Branch(ctx context.Context, id uuid.UUID) (BirthCertificate, error) {
	if cert, ok := c.cache.Get(id); ok {
		c.cacheAccessTotal.WithLabelValues("hit").Inc()
		return cert.(BirthCertificate), nil
	}
	c.cacheAccessTotal.WithLabelValues("miss").Inc()

	cert, err := c.History.Branch(ctx, id)
	if err != nil {
		return BirthCertificate{}, err
	}
	c.cache.Add(id, cert)
	return cert, nil
}

// DeleteBranches implements History.
func (c *CachingHistory) DeleteBranches(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		c.cache.Remove(id)
	}
	return c.History.DeleteBranches(ctx, ids)
}

// Describe returns all metric descriptors.
func (c *CachingHistory) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

// Collect collects all metrics.
func (c *CachingHistory) Collect(collector chan<- prometheus.Metric) {
	c.cacheAccessTotal.Collect(collector)
}
