package rediscache_test

import (
	"testing"

	"github.com/fenilsonani/imapkit/cache/cachetest"
	"github.com/fenilsonani/imapkit/cache/rediscache"
)

// TestConformance runs the shared cache.Cache conformance suite against a
// live Redis. There's no in-process fake in this module's dependency set,
// so this skips rather than fails when no Redis is reachable.
func TestConformance(t *testing.T) {
	cfg := rediscache.DefaultConfig()
	cfg.Prefix = "imapkit-cachetest"

	c, err := rediscache.New(cfg)
	if err != nil {
		t.Skipf("no reachable redis at %s: %v", cfg.RedisURL, err)
	}
	t.Cleanup(func() { c.Close() })

	cachetest.RunConformance(t, c)
}
