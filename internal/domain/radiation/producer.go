package radiation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/coalesce"
	"github.com/ehr/consolidation/internal/event"
	"github.com/ehr/consolidation/internal/normalize"
	"github.com/ehr/consolidation/internal/source"
)

// DefaultWindow bounds how far an appointment-schedule summary may sit
// from a course's best date and still be attached to it.
const DefaultWindow = 30 * 24 * time.Hour

// Producer builds coalesced radiation courses from the four source views.
type Producer struct {
	intake   source.Adapter
	orders   source.Adapter
	reasons  source.Adapter
	schedule source.Adapter

	priority coalesce.Priority
	weights  coalesce.QualityWeights
	window   time.Duration
	logger   zerolog.Logger
}

// Options tune the producer; zero values fall back to package defaults.
type Options struct {
	Priority coalesce.Priority
	Weights  coalesce.QualityWeights
	Window   time.Duration
	Logger   zerolog.Logger
}

func NewProducer(intake, orders, reasons, schedule source.Adapter, opts Options) *Producer {
	if opts.Priority == nil {
		opts.Priority = DefaultPriority
	}
	if opts.Weights == nil {
		opts.Weights = DefaultWeights
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Producer{
		intake:   intake,
		orders:   orders,
		reasons:  reasons,
		schedule: schedule,
		priority: opts.Priority,
		weights:  opts.Weights,
		window:   opts.Window,
		logger:   opts.Logger,
	}
}

// Snapshot is one fully built pass over the radiation sources.
type Snapshot struct {
	Courses   []Course
	Events    []event.CanonicalEvent
	Anomalies []string
}

// courseRow is one source's contribution to a course, with fields already
// normalized.
type courseRow struct {
	modality  *string
	site      *string
	status    *string
	doseCGy   *float64
	fractions *int
	start     *time.Time
	end       *time.Time

	parseFailed bool
}

// scheduleRow is one per-patient appointment summary. It has no course
// number; attachment is by temporal window only.
type scheduleRow struct {
	patient string
	count   *int
	first   time.Time
	last    *time.Time

	parseFailed bool
}

// Build fetches, normalizes, and coalesces the radiation sources into one
// course per (patient, course number).
func (p *Producer) Build(ctx context.Context) (*Snapshot, error) {
	intakeRecs, err := p.intake.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ViewIntake, err)
	}
	orderRecs, err := p.orders.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ViewOrders, err)
	}
	reasonRecs, err := p.reasons.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ViewReasons, err)
	}
	scheduleRecs, err := p.schedule.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ViewSchedule, err)
	}

	var anomalies []string
	intakeRows := p.courseRows(intakeRecs, "start_date", &anomalies)
	orderRows := p.courseRows(orderRecs, "requested_date", &anomalies)

	// Reason codes are a one-to-many child of the order request; they are
	// collapsed to an ordered distinct set per course before any join.
	reasonsByCourse := aggregateReasons(reasonRecs)

	schedules := p.scheduleRows(scheduleRecs, &anomalies)

	merged := coalesce.OuterMerge(map[string]map[coalesce.MergeKey]courseRow{
		SourceIntake: intakeRows,
		SourceOrders: orderRows,
	})
	if err := coalesce.CheckCardinality("radiation course merge",
		len(intakeRows)+len(orderRows), len(merged)); err != nil {
		return nil, err
	}

	courses := make([]Course, 0, len(merged))
	for _, m := range merged {
		courses = append(courses, p.coalesceCourse(m, reasonsByCourse, schedules))
	}
	if err := coalesce.CheckCardinality("radiation reason-code attach", len(merged), len(courses)); err != nil {
		return nil, err
	}

	events := make([]event.CanonicalEvent, 0, len(courses))
	for i := range courses {
		events = append(events, courses[i].Event())
	}

	return &Snapshot{Courses: courses, Events: events, Anomalies: anomalies}, nil
}

// courseRows normalizes one course-keyed view into merge-ready rows.
func (p *Producer) courseRows(recs []source.Record, dateField string, anomalies *[]string) map[coalesce.MergeKey]courseRow {
	out := make(map[coalesce.MergeKey]courseRow, len(recs))
	for _, ev := range normalize.FromRecords(recs, dateField) {
		course, ok := ev.Record.String("course_number")
		if !ok {
			if n, isNum := ev.Record.Int("course_number"); isNum {
				course, ok = fmt.Sprintf("%d", n), true
			}
		}
		if ev.Key == "" || !ok {
			*anomalies = append(*anomalies,
				fmt.Sprintf("%s: row without patient key or course number dropped", ev.Record.View))
			continue
		}

		row := courseRow{
			modality:    ev.Record.StringPtr("modality"),
			site:        ev.Record.StringPtr("anatomical_site"),
			status:      ev.Record.StringPtr("status"),
			doseCGy:     ev.Record.FloatPtr("total_dose_cgy"),
			parseFailed: ev.ParseFailed,
		}
		if n, isNum := ev.Record.Int("fraction_count"); isNum {
			row.fractions = &n
		}
		if ev.HasTime {
			ts := ev.Timestamp
			row.start = &ts
		}
		if end, hasEnd := ev.FieldTime("end_date"); hasEnd {
			row.end = &end
		}
		if ev.ParseFailed {
			*anomalies = append(*anomalies,
				fmt.Sprintf("%s: unparseable %s for patient %s course %s", ev.Record.View, dateField, ev.Key, course))
		}
		out[coalesce.MergeKey{Entity: ev.Key, Sub: course}] = row
	}
	return out
}

// aggregateReasons collapses reason-code child rows to distinct ordered
// sets keyed by (patient, course).
func aggregateReasons(recs []source.Record) map[string][]string {
	children := make([]coalesce.ChildRow, 0, len(recs))
	for _, rec := range recs {
		course, _ := rec.String("course_number")
		code, _ := rec.String("reason_code")
		children = append(children, coalesce.ChildRow{
			Parent: normalize.Key(rec.Key) + "|" + course,
			Value:  code,
		})
	}
	return coalesce.AggregateDistinct(children)
}

func (p *Producer) scheduleRows(recs []source.Record, anomalies *[]string) map[string][]scheduleRow {
	out := make(map[string][]scheduleRow)
	for _, ev := range normalize.FromRecords(recs, "first_appointment") {
		if ev.Key == "" {
			continue
		}
		row := scheduleRow{patient: ev.Key, parseFailed: ev.ParseFailed}
		if n, ok := ev.Record.Int("appointment_count"); ok {
			row.count = &n
		}
		if ev.HasTime {
			row.first = ev.Timestamp
		}
		if last, ok := ev.FieldTime("last_appointment"); ok {
			row.last = &last
		}
		if ev.ParseFailed {
			*anomalies = append(*anomalies,
				fmt.Sprintf("%s: unparseable first_appointment for patient %s", ev.Record.View, ev.Key))
		}
		out[ev.Key] = append(out[ev.Key], row)
	}
	return out
}

// coalesceCourse resolves every field of one merged course by source
// priority, attaches the window-matched schedule summary, and scores it.
func (p *Producer) coalesceCourse(m coalesce.Merged[courseRow], reasons map[string][]string, schedules map[string][]scheduleRow) Course {
	c := Course{
		PatientID:    m.Key.Entity,
		CourseNumber: m.Key.Sub,
		Sources:      m.SourceNames(),
		ReasonCodes:  reasons[m.Key.Entity+"|"+m.Key.Sub],
	}

	modality := map[string]*string{}
	site := map[string]*string{}
	status := map[string]*string{}
	dose := map[string]*float64{}
	fractions := map[string]*int{}
	start := map[string]*time.Time{}
	end := map[string]*time.Time{}
	for name, row := range m.Sources {
		modality[name] = row.modality
		site[name] = row.site
		status[name] = row.status
		dose[name] = row.doseCGy
		fractions[name] = row.fractions
		start[name] = row.start
		end[name] = row.end
		if row.parseFailed {
			c.ParseFailed = true
		}
	}

	c.Modality, _ = coalesce.ResolvePtr(p.priority, modality)
	c.AnatomicalSite, _ = coalesce.ResolvePtr(p.priority, site)
	c.Status, _ = coalesce.ResolvePtr(p.priority, status)
	c.TotalDoseCGy, _ = coalesce.ResolvePtr(p.priority, dose)
	c.Fractions, _ = coalesce.ResolvePtr(p.priority, fractions)
	c.EndDate, _ = coalesce.ResolvePtr(p.priority, end)

	// The primary source is whichever source won the course's start date,
	// the field every downstream consumer orders by.
	var from string
	c.StartDate, from = coalesce.ResolvePtr(p.priority, start)
	if from == "" {
		from = firstSource(c.Sources)
	}
	c.PrimarySource = from

	p.attachSchedule(&c, schedules[c.PatientID], start)

	c.DataQualityScore = p.weights.Score(c.Indicators())
	return c
}

// attachSchedule window-matches the patient's appointment summaries to
// the course and lets a matched summary backfill the start date at the
// lowest priority.
func (p *Producer) attachSchedule(c *Course, candidates []scheduleRow, start map[string]*time.Time) {
	if len(candidates) == 0 {
		return
	}
	anchor, ok := c.BestDate()
	if !ok {
		// No date on the course at all: only a sole summary is safe to
		// attach; several candidates would be an arbitrary pick.
		if len(candidates) != 1 {
			return
		}
		anchor = candidates[0].first
	}

	match, ok := coalesce.WindowMatch(anchor, p.window, candidates, func(s scheduleRow) time.Time {
		return s.first
	})
	if !ok {
		return
	}

	c.AppointmentCount = match.count
	c.LastAppointment = match.last
	if !match.first.IsZero() {
		first := match.first
		c.FirstAppointment = &first
		start[SourceSchedule] = &first
		if c.StartDate == nil {
			c.StartDate, c.PrimarySource = coalesce.ResolvePtr(p.priority, start)
		}
	}
	if match.parseFailed {
		c.ParseFailed = true
	}
	c.Sources = appendSource(c.Sources, SourceSchedule)
}

func appendSource(sources []string, name string) []string {
	for _, s := range sources {
		if s == name {
			return sources
		}
	}
	sources = append(sources, name)
	sort.Strings(sources)
	return sources
}

func firstSource(sources []string) string {
	if len(sources) == 0 {
		return ""
	}
	return sources[0]
}
