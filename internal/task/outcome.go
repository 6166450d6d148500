package task

// OutcomeStatus classifies how a run ended.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomeTimeout OutcomeStatus = "timeout"
)

// Outcome is the structured result of a single run. Tasks persist only
// its rendered string form in last_result; the run journal keeps the
// status separately.
type Outcome struct {
	Status  OutcomeStatus
	Message string
}

// Success wraps a run result.
func Success(result string) Outcome {
	return Outcome{Status: OutcomeSuccess, Message: result}
}

// Failure wraps a run error.
func Failure(err error) Outcome {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Status: OutcomeFailure, Message: msg}
}

// OK reports whether the run succeeded.
func (o Outcome) OK() bool {
	return o.Status == OutcomeSuccess
}

// String renders the outcome as the single human-readable line stored
// in last_result. Failures carry an ERROR prefix so a reader can tell
// them apart at a glance.
func (o Outcome) String() string {
	switch o.Status {
	case OutcomeSuccess:
		return o.Message
	case OutcomeTimeout:
		return "ERROR: timed out: " + o.Message
	default:
		return "ERROR: " + o.Message
	}
}
