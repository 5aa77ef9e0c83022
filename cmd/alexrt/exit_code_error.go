package main

// Exit codes with a stable meaning for scripts. Everything else exits 1.
const (
	exitToolFailed   = 2
	exitDemoMismatch = 3
)

// ExitCodeError wraps an error with a specific process exit code.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
