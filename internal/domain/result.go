package domain

// Outcome classifies how a handler finished.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFail:
		return "fail"
	}
	return "unknown"
}

// Result is returned by event and job handlers. Retry and deadletter
// decisions are driven by Outcome, never by inspecting the error.
type Result struct {
	Outcome Outcome
	Err     error
}

func Success() Result { return Result{Outcome: OutcomeSuccess} }

// Retry reports a transient failure; the work stays eligible until its
// attempt budget runs out.
func Retry(err error) Result { return Result{Outcome: OutcomeRetry, Err: err} }

// Fail reports a permanent failure; the work is deadlettered immediately.
func Fail(err error) Result { return Result{Outcome: OutcomeFail, Err: err} }

// ErrorMessage returns the text persisted as last_error.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return r.Outcome.String()
	}
	return r.Err.Error()
}
