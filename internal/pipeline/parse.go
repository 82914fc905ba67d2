package pipeline

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnparseable is returned when no parser in the chain understood a
// backend response.
var ErrUnparseable = eris.New("pipeline: unparseable backend response")

// wrapperKeys are the object keys a backend may nest the expected array under.
var wrapperKeys = []string{"findings", "results", "response", "data", "items", "remediations", "records", "verdicts"}

// textParser turns backend text into a JSON value, reporting whether it matched.
type textParser func(text string) (json.RawMessage, bool)

// arrayParser turns a decoded JSON value into its list of elements.
type arrayParser func(raw json.RawMessage) ([]json.RawMessage, bool)

var textParsers = []textParser{
	parseDirect,
	parseFenced,
	parseEmbedded,
}

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

func parseDirect(text string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

func parseFenced(text string) (json.RawMessage, bool) {
	m := fenceRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	if raw, ok := parseDirect(m[1]); ok {
		return raw, true
	}
	return parseEmbedded(m[1])
}

// parseEmbedded takes the span from the first opening bracket to the last
// matching closing bracket.
func parseEmbedded(text string) (json.RawMessage, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, false
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end <= start {
		return nil, false
	}
	return parseDirect(text[start : end+1])
}

// decodeValue runs the text parsers in order and returns the first match.
func decodeValue(text string) (json.RawMessage, error) {
	for _, p := range textParsers {
		if raw, ok := p(text); ok {
			return raw, nil
		}
	}
	return nil, ErrUnparseable
}

func bareArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	if !isArray(raw) {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return items, true
}

func wrappedArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	obj, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	for _, key := range wrapperKeys {
		if inner, found := obj[key]; found {
			if items, ok := bareArray(inner); ok {
				return items, true
			}
		}
	}
	return nil, false
}

// singleObject wraps an object carrying one of markers into a singleton.
func singleObject(markers ...string) arrayParser {
	return func(raw json.RawMessage) ([]json.RawMessage, bool) {
		obj, ok := asObject(raw)
		if !ok {
			return nil, false
		}
		for _, m := range markers {
			if _, found := obj[m]; found {
				return []json.RawMessage{raw}, true
			}
		}
		return nil, false
	}
}

// parseList decodes backend text into a list of T. markers name the keys that
// identify a lone object as one element.
func parseList[T any](text string, markers ...string) ([]T, error) {
	raw, err := decodeValue(text)
	if err != nil {
		return nil, err
	}

	chain := []arrayParser{bareArray, wrappedArray, singleObject(markers...)}
	for _, p := range chain {
		items, ok := p(raw)
		if !ok {
			continue
		}
		out := make([]T, 0, len(items))
		for _, item := range items {
			var v T
			if err := json.Unmarshal(item, &v); err != nil {
				continue
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, ErrUnparseable
}

// parseObject decodes backend text into a single T.
func parseObject[T any](text string) (*T, error) {
	raw, err := decodeValue(text)
	if err != nil {
		return nil, err
	}
	if _, ok := asObject(raw); !ok {
		return nil, eris.Wrap(ErrUnparseable, "expected a JSON object")
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, eris.Wrap(err, "pipeline: decode object")
	}
	return &v, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}
