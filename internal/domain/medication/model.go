// Package medication merges medication administrations with their order
// requests, classifies each medication into a drug category through the
// versioned rule set, and emits canonical timeline events.
package medication

import (
	"strconv"
	"strings"
	"time"

	"github.com/ehr/consolidation/internal/coalesce"
	"github.com/ehr/consolidation/internal/event"
)

// Domain is the source_domain tag on every emitted event.
const Domain = "medication"

// Source view names and priority-role names. An administration is the
// record of what actually happened, so it outranks the order request.
const (
	ViewAdministrations = "medication_administration"
	ViewOrders          = "medication_order_request"
	ViewReasons         = "medication_order_reason"

	SourceAdministration = "administration"
	SourceOrder          = "order"
)

// ViewExposure names the coalesced output in event provenance; an
// order-only medication is not misattributed to the administration view.
const ViewExposure = "medication_exposure"

// DefaultPriority prefers administered fact over ordered intent.
var DefaultPriority = coalesce.Rank(SourceAdministration, SourceOrder)

// Medication is one coalesced medication exposure, keyed by
// (patient, order number).
type Medication struct {
	PatientID     string     `json:"patient_id"`
	OrderNumber   string     `json:"order_number"`
	DrugCode      *string    `json:"drug_code,omitempty"`
	DrugName      *string    `json:"drug_name,omitempty"`
	DoseValue     *float64   `json:"dose_value,omitempty"`
	DoseUnit      *string    `json:"dose_unit,omitempty"`
	Route         *string    `json:"route,omitempty"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty"`
	Status        *string    `json:"status,omitempty"`
	Category      string     `json:"category"`
	CategoryRule  string     `json:"category_rule,omitempty"`
	ReasonCodes   []string   `json:"reason_codes,omitempty"`
	PrimarySource string     `json:"primary_source"`
	Sources       []string   `json:"sources"`
	ParseFailed   bool       `json:"parse_failed,omitempty"`
}

// Event converts the medication into its canonical timeline form.
func (m *Medication) Event(ruleSetVersion string) event.CanonicalEvent {
	sourceID := m.PatientID + "|order-" + m.OrderNumber
	ev := event.CanonicalEvent{
		PatientID:     m.PatientID,
		EventID:       event.ID(Domain, ViewExposure, sourceID),
		EventDate:     m.OccurredAt,
		EventType:     "medication",
		EventCategory: m.Category,
		EventSubtype:  m.Route,
		Description:   m.describe(),
		Status:        m.Status,
		SourceDomain:  Domain,
		SourceView:    ViewExposure,
		SourceID:      sourceID,
		SNOMEDCodes:   append([]string(nil), m.ReasonCodes...),
		Metadata: map[string]string{
			"order_number": m.OrderNumber,
		},
		Provenance: map[string]string{
			"primary_source":   m.PrimarySource,
			"sources":          strings.Join(m.Sources, ","),
			"rule_set_version": ruleSetVersion,
		},
	}
	if m.DrugCode != nil {
		ev.Metadata["drug_code"] = *m.DrugCode
	}
	if m.DoseValue != nil {
		ev.Metadata["dose_value"] = strconv.FormatFloat(*m.DoseValue, 'f', -1, 64)
	}
	if m.DoseUnit != nil {
		ev.Metadata["dose_unit"] = *m.DoseUnit
	}
	if m.CategoryRule != "" {
		ev.Provenance["category_rule"] = m.CategoryRule
	}
	if m.ParseFailed {
		ev.Provenance["parse_failed"] = "true"
	}
	return ev
}

func (m *Medication) describe() string {
	name := "Medication"
	if m.DrugName != nil {
		name = *m.DrugName
	}
	if m.DoseValue != nil && m.DoseUnit != nil {
		return name + " " + strconv.FormatFloat(*m.DoseValue, 'f', -1, 64) + " " + *m.DoseUnit
	}
	return name
}
