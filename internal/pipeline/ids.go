package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// idAssigner hands out record ids for one stage invocation. Generated ids are
// derived from the run, stage, ordinal, line and title, so a retried
// invocation that sees the same output assigns the same ids.
type idAssigner struct {
	runID  string
	stage  string
	prefix string
	used   map[string]int
}

func newIDAssigner(runID, stage, prefix string) *idAssigner {
	return &idAssigner{runID: runID, stage: stage, prefix: prefix, used: make(map[string]int)}
}

// assign returns supplied when it is non-empty and unused, otherwise a
// generated id. Collisions get a -n suffix.
func (a *idAssigner) assign(supplied string, ordinal, startLine int, title string) string {
	id := strings.TrimSpace(supplied)
	if id == "" {
		id = a.prefix + "-" + recordToken(a.runID, a.stage, strconv.Itoa(ordinal), strconv.Itoa(startLine), title)
	}
	return a.reserve(id)
}

func (a *idAssigner) reserve(id string) string {
	n, seen := a.used[id]
	if !seen {
		a.used[id] = 1
		return id
	}
	for {
		n++
		candidate := id + "-" + strconv.Itoa(n)
		if _, taken := a.used[candidate]; !taken {
			a.used[id] = n
			a.used[candidate] = 1
			return candidate
		}
	}
}

// recordToken is the first 12 hex characters of the sha256 of parts.
func recordToken(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
