package pipeline

import (
	"strings"

	"github.com/sells-group/secpipe/internal/model"
)

// Shapes the backend is asked to produce. Field names follow the prompts,
// which are camelCase; the model types use snake_case JSON.

type wireLocation struct {
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Snippet   string `json:"snippet"`
}

type wireRecord struct {
	ID            string       `json:"id"`
	Category      string       `json:"category"`
	Severity      string       `json:"severity"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Location      wireLocation `json:"location"`
	CWEID         string       `json:"cweId"`
	OWASPCategory string       `json:"owaspCategory"`
}

// toRawRecord converts w without assigning an id.
func (w wireRecord) toRawRecord(stage string) model.RawRecord {
	loc := model.Location{
		StartLine: w.Location.StartLine,
		EndLine:   w.Location.EndLine,
		Snippet:   w.Location.Snippet,
	}
	if loc.EndLine < loc.StartLine {
		loc.EndLine = loc.StartLine
	}
	return model.RawRecord{
		Category:      model.ParseCategory(w.Category),
		Severity:      model.ParseSeverity(w.Severity),
		Title:         strings.TrimSpace(w.Title),
		Description:   w.Description,
		Location:      loc,
		CWEID:         strings.TrimSpace(w.CWEID),
		OWASPCategory: w.OWASPCategory,
		Stage:         stage,
	}
}

// fromRawRecord is the shape records are sent back to the backend in.
func fromRawRecord(r model.RawRecord) wireRecord {
	return wireRecord{
		ID:          r.ID,
		Category:    string(r.Category),
		Severity:    string(r.Severity),
		Title:       r.Title,
		Description: r.Description,
		Location: wireLocation{
			StartLine: r.Location.StartLine,
			EndLine:   r.Location.EndLine,
			Snippet:   r.Location.Snippet,
		},
		CWEID:         r.CWEID,
		OWASPCategory: r.OWASPCategory,
	}
}

type wireFlowLocation struct {
	Line   int  `json:"line"`
	Column *int `json:"column,omitempty"`
}

type wireFlowNode struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Name        string           `json:"name"`
	Location    wireFlowLocation `json:"location"`
	Description string           `json:"description"`
}

func (n wireFlowNode) toModel() model.FlowNode {
	return model.FlowNode{
		ID:          n.ID,
		Kind:        model.ParseFlowNodeKind(n.Type),
		Name:        n.Name,
		Location:    model.FlowLocation{Line: n.Location.Line, Column: n.Location.Column},
		Description: n.Description,
	}
}

func flowNodesToModel(nodes []wireFlowNode) []model.FlowNode {
	out := make([]model.FlowNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.toModel())
	}
	return out
}

type wireFlowMap struct {
	Nodes       []wireFlowNode   `json:"nodes"`
	Edges       []model.FlowEdge `json:"edges"`
	EntryPoints []string         `json:"entryPoints"`
	Sinks       []string         `json:"sinks"`
}

type wireEntryLocation struct {
	Line     int    `json:"line"`
	Function string `json:"function"`
}

type wireEntryPoint struct {
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Location   wireEntryLocation `json:"location"`
	Parameters []string          `json:"parameters"`
}

type wireRiskArea struct {
	Category   string `json:"category"`
	Confidence string `json:"confidence"`
	Locations  []int  `json:"locations"`
	Reason     string `json:"reason"`
}

type wireTriage struct {
	Language    string           `json:"language"`
	Framework   string           `json:"framework"`
	CodeType    string           `json:"codeType"`
	DataFlowMap *wireFlowMap     `json:"dataFlowMap"`
	EntryPoints []wireEntryPoint `json:"entryPoints"`
	RiskAreas   []wireRiskArea   `json:"riskAreas"`
}

// toModel converts the response, replacing nil slices with empty ones.
func (w wireTriage) toModel() *model.TriageResult {
	t := &model.TriageResult{
		Language:  w.Language,
		Framework: w.Framework,
		CodeType:  w.CodeType,
		FlowMap: model.FlowMap{
			Nodes:       []model.FlowNode{},
			Edges:       []model.FlowEdge{},
			EntryPoints: []string{},
			Sinks:       []string{},
		},
		EntryPoints: make([]model.EntryPoint, 0, len(w.EntryPoints)),
		RiskAreas:   make([]model.RiskArea, 0, len(w.RiskAreas)),
	}
	if w.DataFlowMap != nil {
		t.FlowMap.Nodes = flowNodesToModel(w.DataFlowMap.Nodes)
		if w.DataFlowMap.Edges != nil {
			t.FlowMap.Edges = w.DataFlowMap.Edges
		}
		if w.DataFlowMap.EntryPoints != nil {
			t.FlowMap.EntryPoints = w.DataFlowMap.EntryPoints
		}
		if w.DataFlowMap.Sinks != nil {
			t.FlowMap.Sinks = w.DataFlowMap.Sinks
		}
	}
	for _, ep := range w.EntryPoints {
		params := ep.Parameters
		if params == nil {
			params = []string{}
		}
		t.EntryPoints = append(t.EntryPoints, model.EntryPoint{
			Kind:       model.EntryPointKind(strings.ToLower(ep.Type)),
			Name:       ep.Name,
			Line:       ep.Location.Line,
			Function:   ep.Location.Function,
			Parameters: params,
		})
	}
	for _, ra := range w.RiskAreas {
		locs := ra.Locations
		if locs == nil {
			locs = []int{}
		}
		t.RiskAreas = append(t.RiskAreas, model.RiskArea{
			Category:   model.ParseCategory(ra.Category),
			Confidence: strings.ToLower(ra.Confidence),
			Locations:  locs,
			Reason:     ra.Reason,
		})
	}
	return t
}

type wireAnalysis struct {
	HasUserInputPath    *bool          `json:"hasUserInputPath"`
	DataFlowPath        []wireFlowNode `json:"dataFlowPath"`
	SanitizersInPath    []string       `json:"sanitizersInPath"`
	FalsePositiveReason *string        `json:"falsePositiveReason"`
}

type wireVerdict struct {
	ID          string       `json:"id"`
	IsReachable *bool        `json:"isReachable"`
	Analysis    wireAnalysis `json:"reachabilityAnalysis"`
}

type wireSummary struct {
	TotalRaw              *int           `json:"totalRaw"`
	TotalFiltered         *int           `json:"totalFiltered"`
	NoiseReductionPercent *float64       `json:"noiseReductionPercent"`
	FindingsBySeverity    map[string]int `json:"findingsBySeverity"`
	FindingsByCategory    map[string]int `json:"findingsByCategory"`
	TopRisks              []string       `json:"topRisks"`
	Summary               string         `json:"summary"`
}

type wireRemediation struct {
	ID           string         `json:"id"`
	FindingID    string         `json:"findingId"`
	OriginalCode string         `json:"originalCode"`
	FixedCode    string         `json:"fixedCode"`
	Explanation  string         `json:"explanation"`
	DiffHunks    []wireDiffHunk `json:"diffHunks"`
}

type wireDiffHunk struct {
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Original  string `json:"original"`
	Fixed     string `json:"fixed"`
}

func diffHunksToModel(hunks []wireDiffHunk) []model.DiffHunk {
	out := make([]model.DiffHunk, 0, len(hunks))
	for _, h := range hunks {
		out = append(out, model.DiffHunk(h))
	}
	return out
}
