// Package materialize builds the derived relations of the consolidation
// pipeline in dependency order: an explicit, machine-checked DAG replaces
// deploy-order folklore. Nodes build in parallel where no edge connects
// them; a node's build is a pure transformation of its upstream inputs'
// READY snapshots, so re-execution is safe.
package materialize

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a dependency node.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusBuilding Status = "BUILDING"
	StatusReady    Status = "READY"
	StatusStale    Status = "STALE"
	StatusFailed   Status = "BUILD_FAILED"
)

// BuildContext is passed to every build function.
type BuildContext struct {
	BuildID uuid.UUID
	// UpstreamReady maps each declared upstream to its readiness. Only
	// nodes that degrade on upstream failure ever see a false entry;
	// everyone else fails before building.
	UpstreamReady map[string]bool
}

// Result summarizes one successful node build for the build report.
type Result struct {
	Rows      int
	Patients  int
	Anomalies []string
	// ExpectedEmpty justifies a zero-row result. Without it, zero rows
	// are flagged as an anomaly rather than reported as a clean success.
	ExpectedEmpty bool
}

// BuildFunc materializes one node from its upstream snapshots. It must
// not mutate shared state: output is owned by the node until published.
type BuildFunc func(ctx context.Context, bc BuildContext) (*Result, error)

// Node is one buildable unit: a source adapter check, a per-domain
// coalescer, or the unified aggregator.
type Node struct {
	Name     string
	Upstream []string
	Build    BuildFunc
	// Timeout overrides the runner default when positive.
	Timeout time.Duration
	// DegradeOnUpstreamFailure lets the node build with failed upstreams
	// recorded as gaps instead of failing itself. The unified timeline
	// opts in; everything else propagates failure.
	DegradeOnUpstreamFailure bool
}
