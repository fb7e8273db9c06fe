package medication

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/classify"
	"github.com/ehr/consolidation/internal/coalesce"
	"github.com/ehr/consolidation/internal/event"
	"github.com/ehr/consolidation/internal/normalize"
	"github.com/ehr/consolidation/internal/source"
)

// Producer builds coalesced, categorized medications from the three
// medication source views.
type Producer struct {
	administrations source.Adapter
	orders          source.Adapter
	reasons         source.Adapter

	priority   coalesce.Priority
	categories *classify.RuleSet
	logger     zerolog.Logger
}

func NewProducer(administrations, orders, reasons source.Adapter, categories *classify.RuleSet, logger zerolog.Logger) *Producer {
	return &Producer{
		administrations: administrations,
		orders:          orders,
		reasons:         reasons,
		priority:        DefaultPriority,
		categories:      categories,
		logger:          logger,
	}
}

// Snapshot is one fully built pass over the medication sources.
type Snapshot struct {
	Medications          []Medication
	Events               []event.CanonicalEvent
	Anomalies            []string
	ClassificationMisses int
}

type medRow struct {
	drugCode  *string
	drugName  *string
	doseValue *float64
	doseUnit  *string
	route     *string
	status    *string
	occurred  *time.Time

	parseFailed bool
}

// Build fetches, merges, and classifies the medication sources.
func (p *Producer) Build(ctx context.Context) (*Snapshot, error) {
	adminRecs, err := p.administrations.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ViewAdministrations, err)
	}
	orderRecs, err := p.orders.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ViewOrders, err)
	}
	reasonRecs, err := p.reasons.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ViewReasons, err)
	}

	var anomalies []string
	adminRows := p.rows(adminRecs, "administered_at", &anomalies)
	orderRows := p.rows(orderRecs, "authored_on", &anomalies)
	reasonsByOrder := aggregateReasons(reasonRecs)

	merged := coalesce.OuterMerge(map[string]map[coalesce.MergeKey]medRow{
		SourceAdministration: adminRows,
		SourceOrder:          orderRows,
	})
	if err := coalesce.CheckCardinality("medication merge",
		len(adminRows)+len(orderRows), len(merged)); err != nil {
		return nil, err
	}

	snap := &Snapshot{Medications: make([]Medication, 0, len(merged))}
	snap.Anomalies = anomalies
	for _, m := range merged {
		med := p.coalesceMedication(m, reasonsByOrder)
		p.categorize(&med, &snap.ClassificationMisses)
		snap.Medications = append(snap.Medications, med)
		snap.Events = append(snap.Events, med.Event(p.categories.Version))
	}
	return snap, nil
}

func (p *Producer) rows(recs []source.Record, dateField string, anomalies *[]string) map[coalesce.MergeKey]medRow {
	out := make(map[coalesce.MergeKey]medRow, len(recs))
	for _, ev := range normalize.FromRecords(recs, dateField) {
		order, ok := ev.Record.String("order_number")
		if ev.Key == "" || !ok {
			*anomalies = append(*anomalies,
				fmt.Sprintf("%s: row without patient key or order number dropped", ev.Record.View))
			continue
		}
		row := medRow{
			drugCode:    ev.Record.StringPtr("drug_code"),
			drugName:    ev.Record.StringPtr("drug_name"),
			doseValue:   ev.Record.FloatPtr("dose_value"),
			doseUnit:    ev.Record.StringPtr("dose_unit"),
			route:       ev.Record.StringPtr("route"),
			status:      ev.Record.StringPtr("status"),
			parseFailed: ev.ParseFailed,
		}
		if ev.HasTime {
			ts := ev.Timestamp
			row.occurred = &ts
		}
		if ev.ParseFailed {
			*anomalies = append(*anomalies,
				fmt.Sprintf("%s: unparseable %s for patient %s order %s", ev.Record.View, dateField, ev.Key, order))
		}
		out[coalesce.MergeKey{Entity: ev.Key, Sub: order}] = row
	}
	return out
}

func aggregateReasons(recs []source.Record) map[string][]string {
	children := make([]coalesce.ChildRow, 0, len(recs))
	for _, rec := range recs {
		order, _ := rec.String("order_number")
		code, _ := rec.String("reason_code")
		children = append(children, coalesce.ChildRow{
			Parent: normalize.Key(rec.Key) + "|" + order,
			Value:  code,
		})
	}
	return coalesce.AggregateDistinct(children)
}

func (p *Producer) coalesceMedication(m coalesce.Merged[medRow], reasons map[string][]string) Medication {
	med := Medication{
		PatientID:   m.Key.Entity,
		OrderNumber: m.Key.Sub,
		Sources:     m.SourceNames(),
		ReasonCodes: reasons[m.Key.Entity+"|"+m.Key.Sub],
	}

	drugCode := map[string]*string{}
	drugName := map[string]*string{}
	doseValue := map[string]*float64{}
	doseUnit := map[string]*string{}
	route := map[string]*string{}
	status := map[string]*string{}
	occurred := map[string]*time.Time{}
	for name, row := range m.Sources {
		drugCode[name] = row.drugCode
		drugName[name] = row.drugName
		doseValue[name] = row.doseValue
		doseUnit[name] = row.doseUnit
		route[name] = row.route
		status[name] = row.status
		occurred[name] = row.occurred
		if row.parseFailed {
			med.ParseFailed = true
		}
	}

	med.DrugCode, _ = coalesce.ResolvePtr(p.priority, drugCode)
	med.DrugName, _ = coalesce.ResolvePtr(p.priority, drugName)
	med.DoseValue, _ = coalesce.ResolvePtr(p.priority, doseValue)
	med.DoseUnit, _ = coalesce.ResolvePtr(p.priority, doseUnit)
	med.Route, _ = coalesce.ResolvePtr(p.priority, route)
	med.Status, _ = coalesce.ResolvePtr(p.priority, status)

	var from string
	med.OccurredAt, from = coalesce.ResolvePtr(p.priority, occurred)
	if from == "" && len(med.Sources) > 0 {
		from = med.Sources[0]
	}
	med.PrimarySource = from
	return med
}

// categorize runs the drug-category rule set. A miss is never fatal: the
// medication keeps the Unclassified label and the miss is logged for
// rule-set review.
func (p *Producer) categorize(med *Medication, misses *int) {
	subject := classify.Subject{}
	if med.DrugCode != nil {
		subject.Codes = []string{*med.DrugCode}
	}
	if med.DrugName != nil {
		subject.Text = *med.DrugName
	}

	res := p.categories.Classify(subject)
	med.Category = res.Label
	med.CategoryRule = res.Rule
	if !res.Matched {
		*misses++
		p.logger.Warn().
			Str("rule_set", p.categories.Name).
			Str("rule_set_version", p.categories.Version).
			Str("patient_id", med.PatientID).
			Str("order_number", med.OrderNumber).
			Msg("medication unclassified")
	}
}
