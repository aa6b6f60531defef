package channel

import "errors"

var (
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrChannelUnavailable is transient: the destination exists but cannot
	// take the message right now (e.g. no web client connected).
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrBadTarget          = errors.New("bad channel target")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
