package sqlitecache_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fenilsonani/imapkit/cache/cachetest"
	"github.com/fenilsonani/imapkit/cache/sqlitecache"
)

func TestConformance(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := sqlitecache.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	cachetest.RunConformance(t, c)
}
