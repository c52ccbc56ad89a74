package memcache_test

import (
	"testing"

	"github.com/fenilsonani/imapkit/cache/cachetest"
	"github.com/fenilsonani/imapkit/cache/memcache"
)

func TestConformance(t *testing.T) {
	cachetest.RunConformance(t, memcache.New())
}
