package engine

import "errors"

var (
	ErrStopped     = errors.New("engine: stopped")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: skipped, same key still running")
)

// NoRetry marks err as permanent so the engine stops retrying it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether any error in err's chain was wrapped by NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return "permanent: " + e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }
