package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CurrentSchemaVersion is the TypedState layout this engine reads and writes.
// A state or checkpoint carrying any other version is rejected before any
// node runs.
const CurrentSchemaVersion = 1

// MainUnit is the unit key of the sequential lineage of a run.
const MainUnit = "main"

const sectionUnitPrefix = "section:"

// SectionStatus is the drafting outcome of one section.
type SectionStatus string

const (
	SectionPending SectionStatus = "pending"
	SectionOK      SectionStatus = "ok"
	SectionError   SectionStatus = "section_error"
)

// TypedState is the single value threaded through every node of a run.
//
// The engine owns SchemaVersion, SessionID, RunID and Cursor: node handlers
// receive a deep copy and must hand those fields back unchanged. Payload is
// the handlers' domain. Attempts counts traversals of retry loops by counter
// name and is advanced by the engine when a retry branch is taken.
type TypedState struct {
	SchemaVersion int            `json:"schema_version"`
	SessionID     string         `json:"session_id"`
	RunID         string         `json:"run_id"`
	Payload       Payload        `json:"payload"`
	Cursor        Cursor         `json:"cursor"`
	Attempts      map[string]int `json:"attempts,omitempty"`
}

// Cursor locates a state in its run: the node that is producing (or last
// produced) it, the unit it belongs to, and the main-lineage step it descends
// from.
type Cursor struct {
	Node string `json:"node,omitempty"`
	Unit string `json:"unit,omitempty"`
	Step int    `json:"step"`
}

// Payload is the document being generated.
type Payload struct {
	// Mode selects the pipeline variant ("compose", "section_resume",
	// "format_only").
	Mode     string             `json:"mode,omitempty"`
	Brief    string             `json:"brief,omitempty"`
	Outline  []SectionPlan      `json:"outline,omitempty"`
	Sections map[string]Section `json:"sections,omitempty"`
	Document string             `json:"document,omitempty"`
	Findings []Finding          `json:"findings,omitempty"`
	Repairs  int                `json:"repairs,omitempty"`
}

// SectionPlan is one outline entry.
type SectionPlan struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Notes string `json:"notes,omitempty"`
}

// Section is the drafted content of one outline entry.
type Section struct {
	Key     string        `json:"key"`
	Title   string        `json:"title"`
	Draft   string        `json:"draft,omitempty"`
	Status  SectionStatus `json:"status"`
	Error   string        `json:"error,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
}

// Finding is a validation result. Format findings can be fixed without
// redrafting content.
type Finding struct {
	Section string `json:"section,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FindingFormat marks findings a repair node can fix in place.
const FindingFormat = "format"

// NewState returns an empty state for a new run.
func NewState(sessionID, runID string, payload Payload) TypedState {
	return TypedState{
		SchemaVersion: CurrentSchemaVersion,
		SessionID:     sessionID,
		RunID:         runID,
		Payload:       payload,
	}
}

// UnitKey returns the unit key of the fan-out unit drafting sectionKey.
func UnitKey(sectionKey string) string {
	return sectionUnitPrefix + sectionKey
}

// SectionKeyOf returns the section key carried by a fan-out unit key.
func SectionKeyOf(unitKey string) (string, bool) {
	return strings.CutPrefix(unitKey, sectionUnitPrefix)
}

// SectionKeys returns the outline keys in outline order.
func (s TypedState) SectionKeys() []string {
	keys := make([]string, 0, len(s.Payload.Outline))
	for _, p := range s.Payload.Outline {
		keys = append(keys, p.Key)
	}
	return keys
}

// FailedSections returns the keys of sections in section_error, sorted.
func (s TypedState) FailedSections() []string {
	var keys []string
	for k, sec := range s.Payload.Sections {
		if sec.Status == SectionError {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Digest returns "sha256:<hex>" over the canonical JSON of state. Map keys
// are emitted sorted by encoding/json, so equal states digest equally.
func Digest(state TypedState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return digestBytes(data), nil
}

func digestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// deepCopy creates a deep copy of the state using a JSON round trip, so a
// node can never alias maps or slices owned by the engine.
func deepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}

// checkSchema fails fast on a state written by another layout version.
func checkSchema(state TypedState) error {
	if state.SchemaVersion != CurrentSchemaVersion {
		return &SchemaVersionMismatch{Found: state.SchemaVersion, Expected: CurrentSchemaVersion}
	}
	return nil
}

// checkOwnedFields reports whether a node changed engine-owned fields.
func checkOwnedFields(in, out TypedState) error {
	switch {
	case in.SchemaVersion != out.SchemaVersion:
		return fmt.Errorf("schema version changed from %d to %d", in.SchemaVersion, out.SchemaVersion)
	case in.SessionID != out.SessionID || in.RunID != out.RunID:
		return fmt.Errorf("run identity changed")
	case in.Cursor != out.Cursor:
		return fmt.Errorf("cursor changed from %+v to %+v", in.Cursor, out.Cursor)
	}
	return nil
}
