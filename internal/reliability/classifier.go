package reliability

import "errors"

// Kind labels where a turn failure originated. Input and collaborator
// failures are terminal for the turn; tool failures are recovered inside the
// tool loop and never surface here as turn errors.
type Kind string

const (
	KindInput        Kind = "input"
	KindCollaborator Kind = "collaborator"
	KindInternal     Kind = "internal"
)

// StageError ties a failure to the pipeline stage that raised it.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Stage + " failed"
	}
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// InputError marks a missing-required-input failure for a stage.
func InputError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindInput, Err: err}
}

// CollaboratorError marks an external engine failure for a stage.
func CollaboratorError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindCollaborator, Err: err}
}

// Classify extracts the stage and kind of a turn failure, defaulting to an
// internal error for anything unwrapped (panics, programming errors).
func Classify(err error) (stage string, kind Kind) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, se.Kind
	}
	return "pipeline", KindInternal
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes. Tool results
// carry this as a hint for the model; the pipeline itself never retries.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
