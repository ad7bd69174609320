// Package contract holds the types, interfaces, and sentinel errors shared
// across the agent pipeline packages.
package contract

import "github.com/ekkle/salesos/store"

// ExtractedFacts is the structured data pulled from a raw inbound message.
// Field names match the extractor prompt's JSON contract.
type ExtractedFacts struct {
	Address     string `json:"address,omitempty"`
	Instagram   string `json:"instagram,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	MemberCount string `json:"member_count,omitempty"`
}

// Empty reports whether nothing was extracted.
func (f ExtractedFacts) Empty() bool {
	return f.Address == "" && f.Instagram == "" && f.City == "" &&
		f.State == "" && f.MemberCount == ""
}

// Metadata returns the facts as a lead-metadata fragment, omitting empty
// fields.
func (f ExtractedFacts) Metadata() map[string]any {
	m := make(map[string]any, 5)
	put := func(key, val string) {
		if val != "" {
			m[key] = val
		}
	}
	put("address", f.Address)
	put("instagram", f.Instagram)
	put("city", f.City)
	put("state", f.State)
	put("member_count", f.MemberCount)
	return m
}

// TurnInput is one inbound message to run through the agent pipeline.
type TurnInput struct {
	Lead      *store.Lead
	Message   string
	MessageID string
}

// TurnResult is the outcome of one agent turn.
type TurnResult struct {
	Reply       string
	Agent       store.AgentType
	Intent      store.Intent
	Status      store.LeadStatus
	Temperature store.Temperature
	// Metadata is the lead metadata after merging this turn's extracted
	// facts; MetadataAdded lists the keys the turn contributed.
	Metadata      map[string]any
	MetadataAdded []string
	TokensUsed    int
	LatencyMs     int64
}
