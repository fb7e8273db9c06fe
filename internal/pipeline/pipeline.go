// Package pipeline assembles the consolidation DAG: six domain producer
// nodes feeding the unified timeline node, executed by the materializer.
package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/classify"
	"github.com/ehr/consolidation/internal/domain/diagnosis"
	"github.com/ehr/consolidation/internal/domain/encounter"
	"github.com/ehr/consolidation/internal/domain/imaging"
	"github.com/ehr/consolidation/internal/domain/medication"
	"github.com/ehr/consolidation/internal/domain/procedure"
	"github.com/ehr/consolidation/internal/domain/radiation"
	"github.com/ehr/consolidation/internal/event"
	"github.com/ehr/consolidation/internal/materialize"
	"github.com/ehr/consolidation/internal/source"
	"github.com/ehr/consolidation/internal/timeline"
)

// Node names, also the targets accepted by the build command.
const (
	NodeRadiation  = "radiation"
	NodeMedication = "medication"
	NodeDiagnosis  = "diagnosis"
	NodeProcedure  = "procedure"
	NodeImaging    = "imaging"
	NodeEncounter  = "encounter"
	NodeTimeline   = "timeline"
)

// Sources are the raw views the pipeline reads. Every adapter is
// read-only for the duration of a build pass.
type Sources struct {
	RadiationIntake   source.Adapter
	RadiationOrders   source.Adapter
	RadiationReasons  source.Adapter
	RadiationSchedule source.Adapter

	MedicationAdministrations source.Adapter
	MedicationOrders          source.Adapter
	MedicationReasons         source.Adapter

	Conditions     source.Adapter
	Procedures     source.Adapter
	ImagingStudies source.Adapter
	Encounters     source.Adapter
}

// RuleSets are the externally loaded classification chains.
type RuleSets struct {
	DrugCategories    *classify.RuleSet
	DiagnosisSubtypes *classify.RuleSet
	ProcedureTypes    *classify.RuleSet
}

// Options tune pipeline execution.
type Options struct {
	Runner        materialize.RunnerOptions
	RadiationOpts radiation.Options
	Logger        zerolog.Logger
}

// Pipeline owns the graph, the runner, and the per-domain event
// snapshots published between nodes. A domain node's snapshot is only
// replaced on a successful build, so the timeline node never reads a
// partial one.
type Pipeline struct {
	graph  *materialize.Graph
	runner *materialize.Runner
	store  event.Store
	logger zerolog.Logger

	mu        sync.RWMutex
	snapshots map[string][]event.CanonicalEvent
	report    *timeline.Report
}

// New registers every node. Registration order is the dependency order,
// so a wiring mistake fails here, not mid-build.
func New(sources Sources, rules RuleSets, store event.Store, births timeline.BirthDates, opts Options) (*Pipeline, error) {
	p := &Pipeline{
		graph:     materialize.NewGraph(),
		store:     store,
		logger:    opts.Logger,
		snapshots: make(map[string][]event.CanonicalEvent),
	}

	radOpts := opts.RadiationOpts
	radOpts.Logger = opts.Logger
	radProducer := radiation.NewProducer(
		sources.RadiationIntake, sources.RadiationOrders,
		sources.RadiationReasons, sources.RadiationSchedule, radOpts)
	medProducer := medication.NewProducer(
		sources.MedicationAdministrations, sources.MedicationOrders,
		sources.MedicationReasons, rules.DrugCategories, opts.Logger)
	diagProducer := diagnosis.NewProducer(sources.Conditions, rules.DiagnosisSubtypes, opts.Logger)
	procProducer := procedure.NewProducer(sources.Procedures, rules.ProcedureTypes, opts.Logger)
	imgProducer := imaging.NewProducer(sources.ImagingStudies, opts.Logger)
	encProducer := encounter.NewProducer(sources.Encounters, opts.Logger)

	domainNodes := []*materialize.Node{
		{Name: NodeRadiation, Build: func(ctx context.Context, _ materialize.BuildContext) (*materialize.Result, error) {
			snap, err := radProducer.Build(ctx)
			if err != nil {
				return nil, err
			}
			return p.publish(NodeRadiation, snap.Events, snap.Anomalies), nil
		}},
		{Name: NodeMedication, Build: func(ctx context.Context, _ materialize.BuildContext) (*materialize.Result, error) {
			snap, err := medProducer.Build(ctx)
			if err != nil {
				return nil, err
			}
			return p.publish(NodeMedication, snap.Events, snap.Anomalies), nil
		}},
		{Name: NodeDiagnosis, Build: func(ctx context.Context, _ materialize.BuildContext) (*materialize.Result, error) {
			snap, err := diagProducer.Build(ctx)
			if err != nil {
				return nil, err
			}
			return p.publish(NodeDiagnosis, snap.Events, snap.Anomalies), nil
		}},
		{Name: NodeProcedure, Build: func(ctx context.Context, _ materialize.BuildContext) (*materialize.Result, error) {
			snap, err := procProducer.Build(ctx)
			if err != nil {
				return nil, err
			}
			return p.publish(NodeProcedure, snap.Events, snap.Anomalies), nil
		}},
		{Name: NodeImaging, Build: func(ctx context.Context, _ materialize.BuildContext) (*materialize.Result, error) {
			snap, err := imgProducer.Build(ctx)
			if err != nil {
				return nil, err
			}
			return p.publish(NodeImaging, snap.Events, snap.Anomalies), nil
		}},
		{Name: NodeEncounter, Build: func(ctx context.Context, _ materialize.BuildContext) (*materialize.Result, error) {
			snap, err := encProducer.Build(ctx)
			if err != nil {
				return nil, err
			}
			return p.publish(NodeEncounter, snap.Events, snap.Anomalies), nil
		}},
	}

	upstreams := make([]string, 0, len(domainNodes))
	for _, node := range domainNodes {
		if err := p.graph.Register(node); err != nil {
			return nil, err
		}
		upstreams = append(upstreams, node.Name)
	}

	aggregator := timeline.NewAggregator(births, opts.Logger)
	err := p.graph.Register(&materialize.Node{
		Name:     NodeTimeline,
		Upstream: upstreams,
		// The timeline is the one node allowed to build over a failed
		// domain: partial coverage with a recorded gap beats no timeline.
		DegradeOnUpstreamFailure: true,
		Build: func(ctx context.Context, bc materialize.BuildContext) (*materialize.Result, error) {
			return p.buildTimeline(ctx, bc, aggregator, upstreams)
		},
	})
	if err != nil {
		return nil, err
	}

	ropts := opts.Runner
	ropts.Logger = opts.Logger
	p.runner = materialize.NewRunner(p.graph, ropts)
	return p, nil
}

// publish atomically swaps a domain's event snapshot and summarizes it
// for the build report.
func (p *Pipeline) publish(domain string, events []event.CanonicalEvent, anomalies []string) *materialize.Result {
	p.mu.Lock()
	p.snapshots[domain] = events
	p.mu.Unlock()

	patients := make(map[string]struct{})
	for _, ev := range events {
		patients[ev.PatientID] = struct{}{}
	}
	return &materialize.Result{
		Rows:      len(events),
		Patients:  len(patients),
		Anomalies: anomalies,
	}
}

func (p *Pipeline) buildTimeline(ctx context.Context, bc materialize.BuildContext, aggregator *timeline.Aggregator, domains []string) (*materialize.Result, error) {
	inputs := make([]timeline.Input, 0, len(domains))
	p.mu.RLock()
	for _, domain := range domains {
		inputs = append(inputs, timeline.Input{
			Domain: domain,
			Ready:  bc.UpstreamReady[domain],
			Events: p.snapshots[domain],
		})
	}
	p.mu.RUnlock()

	events, report, err := aggregator.Aggregate(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if err := p.store.Replace(ctx, events); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.report = report
	p.mu.Unlock()

	var anomalies []string
	for _, gap := range report.DomainGaps {
		anomalies = append(anomalies, "domain gap: "+gap+" contributed no events")
	}
	return &materialize.Result{
		Rows:          report.Total,
		Patients:      report.Patients,
		Anomalies:     anomalies,
		ExpectedEmpty: len(report.DomainGaps) == len(domains),
	}, nil
}

// Run executes the target node ("all" included) through the runner.
func (p *Pipeline) Run(ctx context.Context, target string) ([]materialize.NodeReport, error) {
	return p.runner.Run(ctx, target)
}

// MarkStale invalidates a domain and its dependents before the next run.
func (p *Pipeline) MarkStale(node string) {
	p.runner.MarkStale(node)
}

// Report returns the last timeline aggregation report, nil before the
// first successful timeline build.
func (p *Pipeline) Report() *timeline.Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.report
}

// Nodes lists the registered DAG in build order with declared upstreams.
func (p *Pipeline) Nodes() []NodeInfo {
	order := p.graph.TopoOrder()
	out := make([]NodeInfo, 0, len(order))
	for _, name := range order {
		node, _ := p.graph.Node(name)
		ups := append([]string(nil), node.Upstream...)
		sort.Strings(ups)
		out = append(out, NodeInfo{Name: name, Upstream: ups})
	}
	return out
}

// NodeInfo is one line of the dependency manifest.
type NodeInfo struct {
	Name     string   `json:"name"`
	Upstream []string `json:"upstream,omitempty"`
}
