// Package radiation coalesces the three radiation-therapy source views
// (structured course intake, order requests, appointment-schedule
// summaries) into one course per (patient, course number) and emits the
// courses as canonical timeline events.
package radiation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/consolidation/internal/coalesce"
	"github.com/ehr/consolidation/internal/event"
)

// Domain is the source_domain tag on every emitted event.
const Domain = "radiation"

// Source view names and the role names used in priority resolution.
const (
	ViewIntake   = "radiation_course_intake"
	ViewOrders   = "radiation_order_request"
	ViewReasons  = "radiation_order_reason"
	ViewSchedule = "radiation_schedule_summary"

	SourceIntake   = "intake"
	SourceOrders   = "orders"
	SourceSchedule = "schedule"
)

// ViewCourse names the coalesced course output in event provenance. The
// event id hashes it rather than any one input view, so a course built
// only from orders is not misattributed to intake and its id does not
// move when a contributing view drops out of a rebuild. The per-source
// breakdown stays in the provenance map.
const ViewCourse = "radiation_course"

// DefaultPriority prefers structured intake over order requests over
// schedule-derived values.
var DefaultPriority = coalesce.Rank(SourceIntake, SourceOrders, SourceSchedule)

// DefaultWeights scores course completeness. Deployments override these
// from configuration next to the rule sets.
var DefaultWeights = coalesce.QualityWeights{
	"has_structured_dose": 0.5,
	"has_treatment_dates": 0.3,
	"has_scheduling_data": 0.2,
}

// Course is one coalesced radiation course.
type Course struct {
	PatientID        string     `json:"patient_id"`
	CourseNumber     string     `json:"course_number"`
	Modality         *string    `json:"modality,omitempty"`
	AnatomicalSite   *string    `json:"anatomical_site,omitempty"`
	TotalDoseCGy     *float64   `json:"total_dose_cgy,omitempty"`
	Fractions        *int       `json:"fractions,omitempty"`
	StartDate        *time.Time `json:"start_date,omitempty"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	Status           *string    `json:"status,omitempty"`
	ReasonCodes      []string   `json:"reason_codes,omitempty"`
	AppointmentCount *int       `json:"appointment_count,omitempty"`
	FirstAppointment *time.Time `json:"first_appointment,omitempty"`
	LastAppointment  *time.Time `json:"last_appointment,omitempty"`
	PrimarySource    string     `json:"primary_source"`
	Sources          []string   `json:"sources"`
	DataQualityScore float64    `json:"data_quality_score"`
	ParseFailed      bool       `json:"parse_failed,omitempty"`
}

// Indicators are the boolean coverage facts the quality score weighs.
func (c *Course) Indicators() map[string]bool {
	return map[string]bool{
		"has_structured_dose": c.TotalDoseCGy != nil && c.Fractions != nil,
		"has_treatment_dates": c.StartDate != nil && c.EndDate != nil,
		"has_scheduling_data": c.AppointmentCount != nil,
	}
}

// BestDate is the course's most reliable date, used as the anchor for
// temporal-window matching: start date when known, else end date.
func (c *Course) BestDate() (time.Time, bool) {
	if c.StartDate != nil {
		return *c.StartDate, true
	}
	if c.EndDate != nil {
		return *c.EndDate, true
	}
	return time.Time{}, false
}

// Event converts the course into its canonical timeline form.
func (c *Course) Event() event.CanonicalEvent {
	sourceID := c.PatientID + "|course-" + c.CourseNumber
	ev := event.CanonicalEvent{
		PatientID:     c.PatientID,
		EventID:       event.ID(Domain, ViewCourse, sourceID),
		EventDate:     c.StartDate,
		EventType:     "radiation_course",
		EventCategory: "radiation_therapy",
		EventSubtype:  c.Modality,
		Description:   c.describe(),
		Status:        c.Status,
		SourceDomain:  Domain,
		SourceView:    ViewCourse,
		SourceID:      sourceID,
		SNOMEDCodes:   append([]string(nil), c.ReasonCodes...),
		Metadata: map[string]string{
			"course_number":      c.CourseNumber,
			"data_quality_score": strconv.FormatFloat(c.DataQualityScore, 'f', 2, 64),
		},
		Provenance: map[string]string{
			"primary_source": c.PrimarySource,
			"sources":        strings.Join(c.Sources, ","),
		},
	}
	if c.TotalDoseCGy != nil {
		ev.Metadata["total_dose_cgy"] = strconv.FormatFloat(*c.TotalDoseCGy, 'f', -1, 64)
	}
	if c.Fractions != nil {
		ev.Metadata["fractions"] = strconv.Itoa(*c.Fractions)
	}
	if c.AppointmentCount != nil {
		ev.Metadata["appointment_count"] = strconv.Itoa(*c.AppointmentCount)
	}
	if c.ParseFailed {
		ev.Provenance["parse_failed"] = "true"
	}
	return ev
}

func (c *Course) describe() string {
	modality := "Radiation therapy"
	if c.Modality != nil {
		modality = *c.Modality
	}
	if c.AnatomicalSite != nil {
		return fmt.Sprintf("%s to %s, course %s", modality, *c.AnatomicalSite, c.CourseNumber)
	}
	return fmt.Sprintf("%s, course %s", modality, c.CourseNumber)
}
