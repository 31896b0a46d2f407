// Package policy decides what happens to a card after a clone suspicion.
// The promotion rule from Suspended back to Activated versus straight to
// Revoked is a business decision, so it loads from a JSON file instead of
// being hard-coded.
package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/radiant-tcg/cardtrust/internal/domain"
)

// Action is what the policy tells the caller to do with a card
type Action string

const (
	// ActionNone leaves the card alone
	ActionNone Action = "none"
	// ActionSuspend moves an Activated card to Suspended
	ActionSuspend Action = "suspend"
	// ActionRevoke moves the card to Revoked
	ActionRevoke Action = "revoke"
)

// SuspensionPolicy decides the reaction to clone suspicions
type SuspensionPolicy interface {
	// OnCloneSuspected returns the action to take when a clone suspicion is
	// raised for a card, given how many suspicions it has accumulated
	OnCloneSuspected(status domain.CardStatus, priorSuspicions int) Action
}

// policyData represents the structure of the policy JSON file
type policyData struct {
	// AutoSuspend enables automatic suspension on clone suspicion
	AutoSuspend bool `json:"auto_suspend"`
	// SuspendAfterSuspicions is how many suspicions trigger suspension
	SuspendAfterSuspicions int `json:"suspend_after_suspicions"`
	// RevokeAfterSuspicions is how many suspicions trigger revocation;
	// zero disables automatic revocation
	RevokeAfterSuspicions int `json:"revoke_after_suspicions"`
}

type suspensionPolicy struct {
	data policyData
}

// Load loads the suspension policy from a JSON file
func Load(filePath string) (SuspensionPolicy, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec,G304 // This should be a trusted file
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var parsed policyData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}

	if parsed.SuspendAfterSuspicions < 1 {
		parsed.SuspendAfterSuspicions = 1
	}
	if parsed.RevokeAfterSuspicions < 0 {
		return nil, fmt.Errorf("revoke_after_suspicions must not be negative")
	}

	return &suspensionPolicy{data: parsed}, nil
}

// Default returns the policy used when no policy file is configured:
// suspend on the first suspicion, never auto-revoke.
func Default() SuspensionPolicy {
	return &suspensionPolicy{data: policyData{
		AutoSuspend:            true,
		SuspendAfterSuspicions: 1,
	}}
}

func (p *suspensionPolicy) OnCloneSuspected(status domain.CardStatus, priorSuspicions int) Action {
	if !p.data.AutoSuspend {
		return ActionNone
	}

	suspicions := priorSuspicions + 1

	if p.data.RevokeAfterSuspicions > 0 && suspicions >= p.data.RevokeAfterSuspicions {
		if status == domain.StatusActivated || status == domain.StatusSuspended {
			return ActionRevoke
		}
	}

	if status == domain.StatusActivated && suspicions >= p.data.SuspendAfterSuspicions {
		return ActionSuspend
	}

	return ActionNone
}
