package wizard

import (
	"fmt"
	"strings"
)

// Step is a wizard state
type Step int

const (
	StepSearch Step = iota
	StepPurchase
	StepDNSHostConnect
	StepDKIM
	StepDeploy
	StepDNSVerify
	StepComplete
)

var stepNames = [...]string{
	StepSearch:         "search",
	StepPurchase:       "purchase",
	StepDNSHostConnect: "dns_host_connect",
	StepDKIM:           "dkim",
	StepDeploy:         "deploy",
	StepDNSVerify:      "dns_verify",
	StepComplete:       "complete",
}

// Steps lists every step in forward order
var Steps = []Step{StepSearch, StepPurchase, StepDNSHostConnect, StepDKIM, StepDeploy, StepDNSVerify, StepComplete}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// ParseStep parses a step name
func ParseStep(name string) (Step, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stepNames {
		if n == name {
			return Step(i), nil
		}
	}
	return 0, fmt.Errorf("unknown step: %q", name)
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	parsed, err := ParseStep(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Availability is the tri-state result of a registrar search
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityAvailable
	AvailabilityTaken
)

func (a Availability) String() string {
	switch a {
	case AvailabilityAvailable:
		return "available"
	case AvailabilityTaken:
		return "taken"
	default:
		return "unknown"
	}
}

func (a Availability) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Availability) UnmarshalText(text []byte) error {
	switch string(text) {
	case "available":
		*a = AvailabilityAvailable
	case "taken":
		*a = AvailabilityTaken
	case "unknown", "":
		*a = AvailabilityUnknown
	default:
		return fmt.Errorf("unknown availability: %q", text)
	}
	return nil
}
