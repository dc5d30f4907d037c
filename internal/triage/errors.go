package triage

import "fmt"

// TriageUnavailableError reports that the external triage service could not
// be reached within the configured number of transport retries.
type TriageUnavailableError struct {
	Attempts int
	Err      error
}

func (e *TriageUnavailableError) Error() string {
	return fmt.Sprintf("triage service unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TriageUnavailableError) Unwrap() error {
	return e.Err
}

// TriageFormatError reports a response that remained malformed or incomplete
// after the stricter retry prompt.
type TriageFormatError struct {
	Reason string
}

func (e *TriageFormatError) Error() string {
	return "triage response format invalid: " + e.Reason
}
