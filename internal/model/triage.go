package model

// FlowEdge connects two flow nodes.
type FlowEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// FlowMap is the data flow graph built by triage.
type FlowMap struct {
	Nodes       []FlowNode `json:"nodes"`
	Edges       []FlowEdge `json:"edges"`
	EntryPoints []string   `json:"entry_points"`
	Sinks       []string   `json:"sinks"`
}

// EntryPointKind is how external input reaches the code.
type EntryPointKind string

const (
	EntryHTTP      EntryPointKind = "http"
	EntryWebSocket EntryPointKind = "websocket"
	EntryCLI       EntryPointKind = "cli"
	EntryFunction  EntryPointKind = "function"
	EntryEvent     EntryPointKind = "event"
	EntryFile      EntryPointKind = "file"
)

// EntryPoint is one place where external input enters.
type EntryPoint struct {
	Kind       EntryPointKind `json:"kind"`
	Name       string         `json:"name"`
	Line       int            `json:"line"`
	Function   string         `json:"function,omitempty"`
	Parameters []string       `json:"parameters"`
}

// RiskArea is a region triage considers worth a closer look.
type RiskArea struct {
	Category   Category `json:"category"`
	Confidence string   `json:"confidence"`
	Locations  []int    `json:"locations"`
	Reason     string   `json:"reason"`
}

// TriageResult is the immutable context handed to every specialist stage.
type TriageResult struct {
	Language    string       `json:"language"`
	Framework   string       `json:"framework,omitempty"`
	CodeType    string       `json:"code_type,omitempty"`
	FlowMap     FlowMap      `json:"flow_map"`
	EntryPoints []EntryPoint `json:"entry_points"`
	RiskAreas   []RiskArea   `json:"risk_areas"`
}

// HasRiskIn reports whether any risk area has one of cats.
func (t *TriageResult) HasRiskIn(cats ...Category) bool {
	for _, ra := range t.RiskAreas {
		for _, c := range cats {
			if ra.Category == c {
				return true
			}
		}
	}
	return false
}

// HasEntryKind reports whether any entry point has one of kinds.
func (t *TriageResult) HasEntryKind(kinds ...EntryPointKind) bool {
	for _, ep := range t.EntryPoints {
		for _, k := range kinds {
			if ep.Kind == k {
				return true
			}
		}
	}
	return false
}
