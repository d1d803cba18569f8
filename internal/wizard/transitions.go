package wizard

// guard reports whether the session may leave its step forward, and why not
type guard func(s *Session) (bool, string)

var guards = map[Step]guard{
	StepSearch: func(s *Session) (bool, string) {
		return s.Domain.Availability != AvailabilityUnknown, "search for a domain first"
	},
	StepPurchase: func(s *Session) (bool, string) {
		return s.Domain.Owned, "the domain is not owned yet"
	},
	StepDNSHostConnect: func(s *Session) (bool, string) {
		return s.ZoneID != "" || !s.UseDNSHost, "connect the DNS host or skip it"
	},
	StepDKIM: func(s *Session) (bool, string) {
		return s.HasAllKeys(), "generate a DKIM key for every selector"
	},
	StepDeploy: func(s *Session) (bool, string) {
		return s.DeployDone, "deploy has not completed"
	},
	StepDNSVerify: func(s *Session) (bool, string) {
		return true, ""
	},
	StepComplete: func(s *Session) (bool, string) {
		return false, "setup is complete"
	},
}

// canAdvance evaluates the guard of the session's current step
func canAdvance(s *Session) (bool, string) {
	g, ok := guards[s.Step]
	if !ok {
		return false, "unknown step"
	}
	return g(s)
}

// next returns the step that follows the current one, applying skip rules
func next(s *Session) Step {
	switch s.Step {
	case StepSearch:
		// a taken or already owned domain never visits purchase
		if s.Domain.Availability == AvailabilityAvailable && !s.Domain.Owned {
			return StepPurchase
		}
		return StepDNSHostConnect
	case StepPurchase:
		return StepDNSHostConnect
	case StepDNSHostConnect:
		return StepDKIM
	case StepDKIM:
		return StepDeploy
	case StepDeploy:
		return StepDNSVerify
	default:
		return StepComplete
	}
}
