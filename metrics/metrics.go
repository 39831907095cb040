// Package metrics defines the daemon's opencensus measures and views.
package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	ZoneOps = stats.Int64(
		"zonekeeper/zone_ops",
		"Zone lifecycle operations served",
		stats.UnitDimensionless,
	)

	ProxyCalls = stats.Int64(
		"zonekeeper/proxy_calls",
		"Proxy calls routed through the daemon",
		stats.UnitDimensionless,
	)

	FileMoves = stats.Int64(
		"zonekeeper/file_moves",
		"Cross-zone file move requests",
		stats.UnitDimensionless,
	)
)

var (
	KeyOp       = tag.MustNewKey("op")
	KeyDecision = tag.MustNewKey("decision")
	KeyResult   = tag.MustNewKey("result")
)

// Views returns every view the daemon exports.
func Views() []*view.View {
	return []*view.View{
		{
			Name:        "zonekeeper/zone_ops",
			Description: "Zone lifecycle operations served",
			Measure:     ZoneOps,
			TagKeys:     []tag.Key{KeyOp},
			Aggregation: view.Count(),
		},
		{
			Name:        "zonekeeper/proxy_calls",
			Description: "Proxy calls by policy decision",
			Measure:     ProxyCalls,
			TagKeys:     []tag.Key{KeyDecision},
			Aggregation: view.Count(),
		},
		{
			Name:        "zonekeeper/file_moves",
			Description: "File moves by result code",
			Measure:     FileMoves,
			TagKeys:     []tag.Key{KeyResult},
			Aggregation: view.Count(),
		},
	}
}

// Register installs the daemon's views with the default worker.
func Register() error {
	return view.Register(Views()...)
}

// RecordZoneOp counts one lifecycle operation.
func RecordZoneOp(op string) {
	stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(KeyOp, op)}, ZoneOps.M(1))
}

// RecordProxyCall counts one routed proxy call by decision.
func RecordProxyCall(decision string) {
	stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(KeyDecision, decision)}, ProxyCalls.M(1))
}

// RecordFileMove counts one file-move request by result code.
func RecordFileMove(result string) {
	stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(KeyResult, result)}, FileMoves.M(1))
}
