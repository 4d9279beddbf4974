// Package metrics exposes opencensus measures for the execution engine.
package metrics

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var (
	EnginePoolWaiting = stats.Int64("enginepool/waiting", "Messages waiting for an execution engine", stats.UnitDimensionless)
	EnginePoolRunning = stats.Int64("enginepool/running", "Messages holding an execution engine", stats.UnitDimensionless)

	InstancePoolAvailable = stats.Int64("instancepool/available", "Instance slots currently available", stats.UnitDimensionless)
	InstancePoolBoosted   = stats.Int64("instancepool/boosted", "Whether an owner currently holds the reserve boost", stats.UnitDimensionless)

	ModuleCacheCompiles = stats.Int64("modulecache/compiles", "Module compilations performed", stats.UnitDimensionless)
	ModuleCacheHits     = stats.Int64("modulecache/hits", "Module cache hits", stats.UnitDimensionless)

	MessagesApplied = stats.Int64("vm/messages_applied", "Messages executed to a receipt", stats.UnitDimensionless)
)

var DefaultViews = []*view.View{
	{Measure: EnginePoolWaiting, Aggregation: view.Sum()},
	{Measure: EnginePoolRunning, Aggregation: view.Sum()},
	{Measure: InstancePoolAvailable, Aggregation: view.LastValue()},
	{Measure: InstancePoolBoosted, Aggregation: view.LastValue()},
	{Measure: ModuleCacheCompiles, Aggregation: view.Count()},
	{Measure: ModuleCacheHits, Aggregation: view.Count()},
	{Measure: MessagesApplied, Aggregation: view.Count()},
}
