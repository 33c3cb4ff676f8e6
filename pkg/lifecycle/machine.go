// Package lifecycle is the run state machine: the transition table, the
// preflight checks guarding operational states, and the manager that applies
// guarded transitions through the store's compare-and-set.
package lifecycle

import "github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"

// transitions is the complete edge set. Anything absent is invalid.
var transitions = map[contracts.RunStatus][]contracts.RunStatus{
	contracts.RunDraft:          {contracts.RunDesigning, contracts.RunArchived},
	contracts.RunDesigning:      {contracts.RunDraft, contracts.RunGenerating, contracts.RunArchived},
	contracts.RunGenerating:     {contracts.RunDesigning, contracts.RunReadyForReview, contracts.RunArchived},
	contracts.RunReadyForReview: {contracts.RunGenerating, contracts.RunApproved, contracts.RunArchived},
	contracts.RunApproved:       {contracts.RunReadyForReview, contracts.RunPublishing, contracts.RunArchived},
	contracts.RunPublishing:     {contracts.RunApproved, contracts.RunLive, contracts.RunArchived},
	contracts.RunLive:           {contracts.RunPublishing, contracts.RunRunning, contracts.RunPaused, contracts.RunArchived},
	contracts.RunRunning:        {contracts.RunPaused, contracts.RunCompleted, contracts.RunArchived},
	contracts.RunPaused:         {contracts.RunRunning, contracts.RunCompleted, contracts.RunArchived},
	contracts.RunCompleted:      {contracts.RunArchived},
	contracts.RunArchived:       {},
}

// ValidNextStatuses returns the allowed successors of s.
func ValidNextStatuses(s contracts.RunStatus) []contracts.RunStatus {
	next := transitions[s]
	out := make([]contracts.RunStatus, len(next))
	copy(out, next)
	return out
}

// IsValidTransition reports whether the edge from → to exists.
func IsValidTransition(from, to contracts.RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the run is currently delivering.
func IsActive(s contracts.RunStatus) bool {
	return s == contracts.RunLive || s == contracts.RunRunning
}

// IsTerminal reports whether the run has ended.
func IsTerminal(s contracts.RunStatus) bool {
	return s == contracts.RunCompleted || s == contracts.RunArchived
}

// IsEditable reports whether design-time edits are still allowed.
func IsEditable(s contracts.RunStatus) bool {
	switch s {
	case contracts.RunDraft, contracts.RunDesigning, contracts.RunGenerating, contracts.RunReadyForReview:
		return true
	}
	return false
}
