package model

import "time"

// FlowNodeKind is the role of a node in a flow map.
type FlowNodeKind string

const (
	FlowSource    FlowNodeKind = "source"
	FlowSink      FlowNodeKind = "sink"
	FlowTransform FlowNodeKind = "transform"
	FlowMitigator FlowNodeKind = "mitigator"
	FlowValidator FlowNodeKind = "validator"
)

// ParseFlowNodeKind accepts "sanitizer" as a mitigator.
func ParseFlowNodeKind(s string) FlowNodeKind {
	switch k := FlowNodeKind(s); k {
	case FlowSource, FlowSink, FlowTransform, FlowMitigator, FlowValidator:
		return k
	case "sanitizer":
		return FlowMitigator
	default:
		return FlowTransform
	}
}

// FlowLocation points at a line and optional column.
type FlowLocation struct {
	Line   int  `json:"line"`
	Column *int `json:"column,omitempty"`
}

// FlowNode is one step in a data flow.
type FlowNode struct {
	ID          string       `json:"id"`
	Kind        FlowNodeKind `json:"kind"`
	Name        string       `json:"name"`
	Location    FlowLocation `json:"location"`
	Description string       `json:"description"`
}

// ConfirmationDetail explains a filter verdict.
type ConfirmationDetail struct {
	HasExternalInputPath bool       `json:"has_external_input_path"`
	FlowPath             []FlowNode `json:"flow_path"`
	MitigationsInPath    []string   `json:"mitigations_in_path"`
	RejectionReason      string     `json:"rejection_reason,omitempty"`
}

// EnrichedRecord is a merged RawRecord after the validity filter. Only the
// approval step touches it afterwards, and only Approved and ApprovedAt.
type EnrichedRecord struct {
	RawRecord
	RunID      string             `json:"run_id"`
	Confirmed  bool               `json:"confirmed"`
	Detail     ConfirmationDetail `json:"confirmation_detail"`
	Approved   bool               `json:"approved"`
	ApprovedAt *time.Time         `json:"approved_at,omitempty"`
}

// ConfirmedOnly returns the confirmed records in order.
func ConfirmedOnly(records []EnrichedRecord) []EnrichedRecord {
	out := make([]EnrichedRecord, 0, len(records))
	for _, r := range records {
		if r.Confirmed {
			out = append(out, r)
		}
	}
	return out
}
