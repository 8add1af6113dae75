package enroll

import (
	"fmt"
	"log"

	"tether/internal/policy"
)

// Applicator applies one policy setting to the device. Implementations talk
// to whatever the platform offers; failures are per-key and never abort
// enrollment.
type Applicator interface {
	Apply(key string, value any, locked bool) error
}

// LogApplicator is the default applicator: it validates keys against the
// known policy surface and records what would change. Platform integrations
// replace it.
type LogApplicator struct{}

func (LogApplicator) Apply(key string, value any, locked bool) error {
	if !policy.KnownKey(key) {
		return fmt.Errorf("unknown setting %q", key)
	}
	state := ""
	if locked {
		state = " (locked)"
	}
	log.Printf("[APPLY] %s = %v%s", key, value, state)
	return nil
}

// applyPolicy walks the enrollment policy through the applicator. Per-key
// failures are logged and skipped; the rest of the policy still applies.
func applyPolicy(a Applicator, p policy.DevicePolicy) {
	for key, value := range p.Settings {
		if err := a.Apply(key, value, p.IsLocked(key)); err != nil {
			log.Printf("[ENROLL] skipped setting %s: %v", key, err)
		}
	}
}
