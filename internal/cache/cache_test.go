package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func intp(v int64) *int64    { return &v }
func boolp(v bool) *bool     { return &v }
func strp(v string) *string  { return &v }

func TestGet_MissAndHit(t *testing.T) {
	c, err := Open(t.TempDir(), DefaultTTL, zap.NewNop())
	require.NoError(t, err)

	snap, err := c.Get("B01CACHE01")
	require.NoError(t, err)
	require.Nil(t, snap)

	require.NoError(t, c.Set("B01CACHE01", Snapshot{PriceJPY: intp(1200)}, UpdatePrice))

	snap, err = c.Get("B01CACHE01")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.EqualValues(t, 1200, *snap.PriceJPY)

	meta := c.Meta()
	require.Equal(t, 1, meta.Hits)
	require.Equal(t, 1, meta.Misses)
	require.Equal(t, 1, meta.TotalCached)
}

func TestSet_MergePreservesOtherFields(t *testing.T) {
	c, err := Open(t.TempDir(), DefaultTTL, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Set("B01CACHE02", Snapshot{
		Title: strp("商品A"), PriceJPY: intp(1000),
	}, UpdateBasicInfo, UpdatePrice))

	// Stock-only update must not clobber title or price.
	require.NoError(t, c.Set("B01CACHE02", Snapshot{InStock: boolp(false)}, UpdateStock))

	snap, err := c.Get("B01CACHE02")
	require.NoError(t, err)
	require.Equal(t, "商品A", *snap.Title)
	require.EqualValues(t, 1000, *snap.PriceJPY)
	require.False(t, *snap.InStock)
	require.False(t, snap.StockUpdatedAt.IsZero())
}

func TestGet_ExpiredSnapshotIsMiss(t *testing.T) {
	c, err := Open(t.TempDir(), 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Set("B01CACHE03", Snapshot{PriceJPY: intp(1)}, UpdatePrice))

	time.Sleep(30 * time.Millisecond)
	snap, err := c.Get("B01CACHE03")
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestBulkUpdate_SequentialAndCancellable(t *testing.T) {
	c, err := Open(t.TempDir(), DefaultTTL, zap.NewNop())
	require.NoError(t, err)

	var fetched []string
	fetch := func(ctx context.Context, asin string) (Snapshot, []UpdateType, error) {
		fetched = append(fetched, asin)
		return Snapshot{PriceJPY: intp(1)}, []UpdateType{UpdatePrice}, nil
	}

	require.NoError(t, c.BulkUpdate(context.Background(), []string{"A1", "A2", "A3"}, fetch, 0))
	require.Equal(t, []string{"A1", "A2", "A3"}, fetched)
	require.False(t, c.Meta().LastBulkUpdate.IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.BulkUpdate(ctx, []string{"A4"}, fetch, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, fetched, 3, "cancelled bulk update fetches nothing")
}
