package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	1, 2, 5, 10, 20, 50, 100, 200, 300, 500, // fast answers
	1000, 2000, 3000, 5000, 10000, 20000, 30000, 60000, // network round trips
	120_000, 300_000, // receipt waits
)

// Tags
var (
	Storage, _     = tag.NewKey("storage")
	Status, _      = tag.NewKey("status")
	FailureType, _ = tag.NewKey("failure_type")
	Endpoint, _    = tag.NewKey("endpoint")
)

// Measures
var (
	QuoteCreated       = stats.Int64("quote/created", "Counter for created quotes", stats.UnitDimensionless)
	QuoteRejected      = stats.Int64("quote/rejected", "Counter for rejected quote requests", stats.UnitDimensionless)
	UploadOutcome      = stats.Int64("upload/outcome", "Counter for finished upload requests by resulting status", stats.UnitDimensionless)
	UploadRejected     = stats.Int64("upload/rejected", "Counter for upload requests refused by the nonce guard", stats.UnitDimensionless)
	RelayDuration      = stats.Float64("relay/add_ms", "Duration of relay add calls", stats.UnitMilliseconds)
	HandoffDuration    = stats.Float64("handoff/upload_ms", "Duration of storage handoffs", stats.UnitMilliseconds)
	AllowanceDuration  = stats.Float64("ledger/allowance_ms", "Duration of allowance transactions up to their receipt", stats.UnitMilliseconds)
	AllowanceOutcome   = stats.Int64("ledger/allowance_outcome", "Counter for allowance attempts by resulting status", stats.UnitDimensionless)
	APIRequestDuration = stats.Float64("api/request_ms", "Duration of API requests", stats.UnitMilliseconds)
)

var (
	QuoteCreatedView = &view.View{
		Measure:     QuoteCreated,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Storage},
	}
	QuoteRejectedView = &view.View{
		Measure:     QuoteRejected,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureType},
	}
	UploadOutcomeView = &view.View{
		Measure:     UploadOutcome,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Storage, Status},
	}
	UploadRejectedView = &view.View{
		Measure:     UploadRejected,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureType},
	}
	RelayDurationView = &view.View{
		Measure:     RelayDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	HandoffDurationView = &view.View{
		Measure:     HandoffDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Storage},
	}
	AllowanceDurationView = &view.View{
		Measure:     AllowanceDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Endpoint},
	}
	AllowanceOutcomeView = &view.View{
		Measure:     AllowanceOutcome,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Status},
	}
	APIRequestDurationView = &view.View{
		Measure:     APIRequestDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Endpoint, Status},
	}
)

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = []*view.View{
	QuoteCreatedView,
	QuoteRejectedView,
	UploadOutcomeView,
	UploadRejectedView,
	RelayDurationView,
	HandoffDurationView,
	AllowanceDurationView,
	AllowanceOutcomeView,
	APIRequestDurationView,
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// Count records one occurrence of m tagged with mutators
func Count(ctx context.Context, m *stats.Int64Measure, mutators ...tag.Mutator) {
	_ = stats.RecordWithTags(ctx, mutators, m.M(1))
}
