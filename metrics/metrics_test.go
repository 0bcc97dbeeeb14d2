package metrics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/go-quote-market/metrics"
)

func TestCount(t *testing.T) {
	require.NoError(t, view.Register(metrics.QuoteCreatedView))
	defer view.Unregister(metrics.QuoteCreatedView)

	ctx := context.Background()
	metrics.Count(ctx, metrics.QuoteCreated, tag.Upsert(metrics.Storage, "filecoin"))
	metrics.Count(ctx, metrics.QuoteCreated, tag.Upsert(metrics.Storage, "filecoin"))
	metrics.Count(ctx, metrics.QuoteCreated, tag.Upsert(metrics.Storage, "arweave"))

	rows, err := view.RetrieveData(metrics.QuoteCreatedView.Name)
	require.NoError(t, err)
	counts := map[string]int64{}
	for _, row := range rows {
		require.Len(t, row.Tags, 1)
		counts[row.Tags[0].Value] = row.Data.(*view.CountData).Value
	}
	require.Equal(t, map[string]int64{"filecoin": 2, "arweave": 1}, counts)
}

func TestTimer(t *testing.T) {
	require.NoError(t, view.Register(metrics.RelayDurationView))
	defer view.Unregister(metrics.RelayDurationView)

	stop := metrics.Timer(context.Background(), metrics.RelayDuration)
	require.GreaterOrEqual(t, stop().Nanoseconds(), int64(0))

	rows, err := view.RetrieveData(metrics.RelayDurationView.Name)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].Data.(*view.DistributionData).Count)
}
