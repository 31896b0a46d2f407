package telemetry

import (
	"fmt"
	"time"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
)

// Detection thresholds. These are heuristics, not proofs; tuning them is an
// operational decision.
const (
	// FailureWindow is the rolling window over which failures accumulate
	FailureWindow = 10 * time.Minute

	// FailureThreshold is the failure count that raises suspicion on its own
	FailureThreshold = 5

	// DistinctDeviceThreshold is the number of distinct failing devices that
	// raises suspicion inside one window
	DistinctDeviceThreshold = 2

	// HighUsageThreshold marks a card as heavily used for the unseen-device rule
	HighUsageThreshold = 100
)

// CloneSignal is the outcome of evaluating the detection rule
type CloneSignal struct {
	Suspected bool
	Reason    string
	// FailureCount is the number of failures observed in the window
	FailureCount int
	// DeviceCount is the number of distinct failing devices in the window
	DeviceCount int
}

// SuspectClone evaluates the clone-detection rule over a recent event window.
//
// window holds the auth_failure events for one UID inside the rolling window,
// including the failure that triggered this evaluation. knownDevices holds the
// devices that have ever produced a successful authentication for the UID.
// The function is pure: it reads nothing beyond its arguments.
//
// Suspicion is raised when any of the following holds:
//  1. the window holds FailureThreshold or more failures;
//  2. the failures come from DistinctDeviceThreshold or more distinct devices;
//  3. the card is Activated with a usage counter at or above HighUsageThreshold
//     and the failing device has never authenticated this UID successfully.
func SuspectClone(window []*schema.SecurityEvent, knownDevices []string, card *schema.PhysicalCard, device domain.DeviceRef) CloneSignal {
	devices := make(map[string]bool)
	failures := 0
	for _, e := range window {
		if e.Kind != domain.EventAuthFailure {
			continue
		}
		failures++
		devices[e.Device] = true
	}

	signal := CloneSignal{
		FailureCount: failures,
		DeviceCount:  len(devices),
	}

	if failures >= FailureThreshold {
		signal.Suspected = true
		signal.Reason = fmt.Sprintf("%d authentication failures within the rolling window", failures)
		return signal
	}

	if failures > 0 && len(devices) >= DistinctDeviceThreshold {
		signal.Suspected = true
		signal.Reason = fmt.Sprintf("authentication failures from %d distinct devices within the rolling window", len(devices))
		return signal
	}

	if card != nil && card.Status == domain.StatusActivated && card.UsageCount >= HighUsageThreshold {
		seen := false
		for _, d := range knownDevices {
			if d == string(device) {
				seen = true
				break
			}
		}
		if !seen {
			signal.Suspected = true
			signal.Reason = "failed cryptographic check from a device never seen for a heavily used card"
			return signal
		}
	}

	return signal
}
