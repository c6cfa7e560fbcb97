package addon

import "errors"

var (
	// ErrValidation marks a missing or invalid required field, or a script
	// file that is not on disk.
	ErrValidation = errors.New("add-on validation failed")
	// ErrUnknownExecutionMode marks an executionMode value outside the known set.
	ErrUnknownExecutionMode = errors.New("unknown execution mode")
	// ErrMalformedDocument marks a document whose shape cannot be read as an add-on.
	ErrMalformedDocument = errors.New("malformed add-on document")
)

// LoadError reports why an add-on was rejected. Any LoadError rejects the
// whole add-on.
type LoadError struct {
	AddOn  string // owning add-on name
	Script string // diagnostic form of the offending script, if any
	Msg    string
	Err    error // ErrValidation, ErrUnknownExecutionMode or ErrMalformedDocument
}

func (e *LoadError) Error() string {
	return e.AddOn + ": on parsing add-on XML file: " + e.Msg
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
