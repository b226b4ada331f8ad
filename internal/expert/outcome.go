package expert

// Status names the kind of outcome an expert reported.
type Status string

const (
	StatusSuccess           Status = "SUCCESS"
	StatusExecutionError    Status = "EXECUTION_ERROR"
	StatusInputDataError    Status = "INPUT_DATA_ERROR"
	StatusTooComplicated    Status = "JOB_TOO_COMPLICATED_ERROR"
	StatusMaxRetriesReached Status = "MAX_RETRIES_REACHED"
	StatusUnknown           Status = "UNKNOWN"
)

// Report is the data every outcome carries.
type Report struct {
	Payload string
	// Lesson is corrective context for whoever acts on the outcome next.
	Lesson string
	Tokens int
}

func (r Report) report() Report { return r }

// Outcome is the result of one expert execution. It is a closed set: the
// only implementations are the types below.
type Outcome interface {
	report() Report
}

// Success means the payload is the sub-job's output.
type Success struct{ Report }

// InputDataError means the expert judged its inputs invalid. The lesson is
// meant for the producers of those inputs.
type InputDataError struct{ Report }

// TooComplicated means the sub-job should be decomposed further.
type TooComplicated struct{ Report }

// ExecutionError means the expert failed for reasons of its own.
type ExecutionError struct{ Report }

// MaxRetriesReached means the expert gave up after retrying execution errors.
type MaxRetriesReached struct{ Report }

// StatusOf returns the status name of an outcome. A nil outcome is unknown.
func StatusOf(o Outcome) Status {
	switch o.(type) {
	case Success:
		return StatusSuccess
	case InputDataError:
		return StatusInputDataError
	case TooComplicated:
		return StatusTooComplicated
	case ExecutionError:
		return StatusExecutionError
	case MaxRetriesReached:
		return StatusMaxRetriesReached
	default:
		return StatusUnknown
	}
}

// ReportOf returns the data carried by an outcome, or a zero report for nil.
func ReportOf(o Outcome) Report {
	if o == nil {
		return Report{}
	}
	return o.report()
}

// FromStatus builds the outcome for a status name, as received from a remote
// expert. Unrecognised names return nil.
func FromStatus(status Status, r Report) Outcome {
	switch status {
	case StatusSuccess:
		return Success{r}
	case StatusInputDataError:
		return InputDataError{r}
	case StatusTooComplicated:
		return TooComplicated{r}
	case StatusExecutionError:
		return ExecutionError{r}
	case StatusMaxRetriesReached:
		return MaxRetriesReached{r}
	default:
		return nil
	}
}
