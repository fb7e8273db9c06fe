package materialize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Observer receives completed node builds, e.g. for metrics.
type Observer interface {
	NodeBuilt(node string, status Status, rows int, duration time.Duration)
}

// NodeReport is the per-node line of the build report.
type NodeReport struct {
	Node             string        `json:"node"`
	Status           Status        `json:"status"`
	RowsProduced     int           `json:"rows_produced"`
	PatientsCovered  int           `json:"patients_covered"`
	AnomaliesFlagged int           `json:"anomalies_flagged"`
	Anomalies        []string      `json:"anomalies,omitempty"`
	Duration         time.Duration `json:"duration"`
	Cause            string        `json:"cause,omitempty"`
}

// AnyFailed reports whether any node in the report failed.
func AnyFailed(reports []NodeReport) bool {
	for _, r := range reports {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// RunnerOptions configure one Runner.
type RunnerOptions struct {
	Concurrency    int
	DefaultTimeout time.Duration
	StatusLog      StatusLog
	Logger         zerolog.Logger
	Observer       Observer
}

// Runner executes a graph with a bounded worker pool. Nodes without a
// dependency edge between them build in parallel; a node enters BUILDING
// only once every declared upstream is READY, implemented as a join on
// upstream completion, never a busy-poll.
type Runner struct {
	graph *Graph
	opts  RunnerOptions

	mu         sync.Mutex
	status     map[string]Status
	lastResult map[string]*Result
}

func NewRunner(graph *Graph, opts RunnerOptions) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.StatusLog == nil {
		opts.StatusLog = NewMemoryStatusLog()
	}
	r := &Runner{
		graph:      graph,
		opts:       opts,
		status:     make(map[string]Status),
		lastResult: make(map[string]*Result),
	}
	for _, name := range graph.TopoOrder() {
		r.status[name] = StatusPending
	}
	return r
}

// Status returns a node's current state.
func (r *Runner) Status(name string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[name]
}

// MarkStale transitions a READY node and its transitive dependents to
// STALE so the next run rebuilds them. Independent subgraphs are
// untouched.
func (r *Runner) MarkStale(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markStaleLocked(name)
}

func (r *Runner) markStaleLocked(name string) {
	if r.status[name] == StatusReady {
		r.status[name] = StatusStale
		delete(r.lastResult, name)
	}
	for _, dep := range r.graph.Dependents(name) {
		r.markStaleLocked(dep)
	}
}

func (r *Runner) setStatus(ctx context.Context, buildID uuid.UUID, name string, s Status, cause string) {
	r.mu.Lock()
	r.status[name] = s
	r.mu.Unlock()

	entry := StatusEntry{BuildID: buildID, Node: name, Status: s, Cause: cause, At: time.Now().UTC()}
	if err := r.opts.StatusLog.Append(ctx, entry); err != nil {
		r.opts.Logger.Error().Err(err).Str("node", name).Msg("status log append failed")
	}

	evt := r.opts.Logger.Info()
	if s == StatusFailed {
		evt = r.opts.Logger.Error()
	}
	evt.Str("node", name).Str("status", string(s)).Str("cause", cause).Msg("node transition")
}

// Run builds the target node (or "all") and its transitive upstreams.
// Nodes already READY are skipped; PENDING, STALE, and BUILD_FAILED nodes
// rebuild. The returned reports are in build order.
func (r *Runner) Run(ctx context.Context, target string) ([]NodeReport, error) {
	names, err := r.graph.Subgraph(target)
	if err != nil {
		return nil, err
	}

	buildID := uuid.New()
	r.opts.Logger.Info().Str("build_id", buildID.String()).Str("target", target).
		Int("nodes", len(names)).Int("concurrency", r.opts.Concurrency).Msg("build started")

	done := make(map[string]chan struct{}, len(names))
	for _, name := range names {
		done[name] = make(chan struct{})
	}

	sem := semaphore.NewWeighted(int64(r.opts.Concurrency))
	reports := make(map[string]NodeReport, len(names))
	var (
		wg        sync.WaitGroup
		reportsMu sync.Mutex
	)

	record := func(rep NodeReport) {
		reportsMu.Lock()
		reports[rep.Node] = rep
		reportsMu.Unlock()
	}

	for _, name := range names {
		node, _ := r.graph.Node(name)
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			defer close(done[node.Name])
			record(r.runNode(ctx, buildID, node, done, sem))
		}(node)
	}
	wg.Wait()

	out := make([]NodeReport, 0, len(names))
	for _, name := range names {
		out = append(out, reports[name])
	}
	r.opts.Logger.Info().Str("build_id", buildID.String()).
		Bool("failed", AnyFailed(out)).Msg("build finished")
	return out, nil
}

func (r *Runner) runNode(ctx context.Context, buildID uuid.UUID, node *Node, done map[string]chan struct{}, sem *semaphore.Weighted) NodeReport {
	// Join on upstream completion.
	for _, up := range node.Upstream {
		select {
		case <-done[up]:
		case <-ctx.Done():
			r.setStatus(ctx, buildID, node.Name, StatusFailed, "build canceled")
			return NodeReport{Node: node.Name, Status: StatusFailed, Cause: "build canceled"}
		}
	}

	upstreamReady := make(map[string]bool, len(node.Upstream))
	notReady := ""
	for _, up := range node.Upstream {
		ok := r.Status(up) == StatusReady
		upstreamReady[up] = ok
		if !ok && notReady == "" {
			notReady = up
		}
	}

	// A failed upstream's last-known or empty output is never treated as
	// valid current data: dependents fail unless explicitly degraded.
	if notReady != "" && !node.DegradeOnUpstreamFailure {
		cause := fmt.Sprintf("upstream %q is %s", notReady, r.Status(notReady))
		r.setStatus(ctx, buildID, node.Name, StatusFailed, cause)
		return NodeReport{Node: node.Name, Status: StatusFailed, Cause: cause}
	}

	// READY means the current snapshot is valid; nothing to rebuild.
	if r.Status(node.Name) == StatusReady {
		rep := NodeReport{Node: node.Name, Status: StatusReady, Cause: "unchanged"}
		r.mu.Lock()
		if res := r.lastResult[node.Name]; res != nil {
			rep.RowsProduced = res.Rows
			rep.PatientsCovered = res.Patients
		}
		r.mu.Unlock()
		return rep
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		r.setStatus(ctx, buildID, node.Name, StatusFailed, "build canceled")
		return NodeReport{Node: node.Name, Status: StatusFailed, Cause: "build canceled"}
	}
	defer sem.Release(1)

	r.setStatus(ctx, buildID, node.Name, StatusBuilding, "")

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	buildCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		buildCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	res, err := node.Build(buildCtx, BuildContext{BuildID: buildID, UpstreamReady: upstreamReady})
	duration := time.Since(start)

	if err != nil {
		cause := err.Error()
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			cause = fmt.Sprintf("timeout after %s: %v", timeout, err)
		}
		r.setStatus(ctx, buildID, node.Name, StatusFailed, cause)
		r.observe(node.Name, StatusFailed, 0, duration)
		return NodeReport{Node: node.Name, Status: StatusFailed, Duration: duration, Cause: cause}
	}

	anomalies := append([]string(nil), res.Anomalies...)
	if res.Rows == 0 && !res.ExpectedEmpty {
		anomalies = append(anomalies, "zero rows produced without an expected-empty justification")
	}

	r.mu.Lock()
	r.lastResult[node.Name] = res
	r.mu.Unlock()
	r.setStatus(ctx, buildID, node.Name, StatusReady, "")
	r.observe(node.Name, StatusReady, res.Rows, duration)

	return NodeReport{
		Node:             node.Name,
		Status:           StatusReady,
		RowsProduced:     res.Rows,
		PatientsCovered:  res.Patients,
		AnomaliesFlagged: len(anomalies),
		Anomalies:        anomalies,
		Duration:         duration,
	}
}

func (r *Runner) observe(node string, s Status, rows int, d time.Duration) {
	if r.opts.Observer != nil {
		r.opts.Observer.NodeBuilt(node, s, rows, d)
	}
}
