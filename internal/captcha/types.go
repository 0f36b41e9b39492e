package captcha

// Input is the job payload handed to the verifier. It carries everything the
// verification protocol needs, so the verifier can run anywhere the executor
// places it.
type Input struct {
	SessionID    string `json:"session_id"`
	Buyer        string `json:"buyer"`
	Amount       string `json:"amount"`
	LaunchpadURL string `json:"launchpad_url"`
}

// Output is the single result object the verifier reports back to the
// settlement layer. Failure is carried in ErrorType, never in the process
// exit status.
type Output struct {
	Verified  bool   `json:"verified"`
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Wire values for Output.ErrorType.
const (
	ErrTypeWrongAnswer  = "wrong_answer"
	ErrTypeTimeout      = "timeout"
	ErrTypeNetworkError = "network_error"
	ErrTypeSystemError  = "system_error"
)

// Outcome is the closed set of terminal verification results. Every reachable
// service and transport state maps to exactly one of these.
type Outcome int

const (
	Verified Outcome = iota
	WrongAnswer
	TimedOut
	ExecutionFailed
	DeliveryError
)

func (o Outcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case WrongAnswer:
		return "wrong_answer"
	case TimedOut:
		return "timed_out"
	case ExecutionFailed:
		return "execution_failed"
	case DeliveryError:
		return "delivery_error"
	default:
		return "unknown"
	}
}

// Result pairs an Outcome with a diagnostic. Detail is empty on the Verified
// path and human-readable everywhere else.
type Result struct {
	Outcome Outcome
	Detail  string
}

// Output converts the result into its wire form for the given session.
func (r Result) Output(sessionID string) Output {
	out := Output{SessionID: sessionID}
	switch r.Outcome {
	case Verified:
		out.Verified = true
	case WrongAnswer:
		out.ErrorType = ErrTypeWrongAnswer
		out.Error = r.Detail
	case TimedOut:
		out.ErrorType = ErrTypeTimeout
		out.Error = r.Detail
	default:
		// Transport and execution failures alike leave the verifier as
		// system errors; network_error is only ever received, from
		// facilities that label transport failures themselves.
		out.ErrorType = ErrTypeSystemError
		out.Error = r.Detail
	}
	return out
}

// Classify maps a wire Output back to its Outcome. Unlabeled failures are
// treated as execution failures.
func Classify(out Output) Outcome {
	if out.Verified {
		return Verified
	}
	switch out.ErrorType {
	case ErrTypeWrongAnswer:
		return WrongAnswer
	case ErrTypeTimeout:
		return TimedOut
	case ErrTypeNetworkError:
		return DeliveryError
	default:
		return ExecutionFailed
	}
}
