package layer

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies the errors a Layer or the overlay engine built on top of
// it may report, independent of any particular errno. Errno carries the
// concrete mapping for a given Kind.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindExists
	KindNotDir
	KindIsDir
	KindNotEmpty
	KindPerm
	KindReadOnly
	KindInvalid
	KindIoError
	KindNameTooLong
	KindNotImplemented
	// KindCrossDevice reports a rename or link whose source and
	// destination resolve to different upper layers — undefined by
	// spec.md section 9's open question (b), resolved here as EXDEV to
	// match the kernel's own behavior for a cross-filesystem rename.
	KindCrossDevice
)

var kindErrno = map[Kind]syscall.Errno{
	KindNotFound:       syscall.ENOENT,
	KindExists:         syscall.EEXIST,
	KindNotDir:         syscall.ENOTDIR,
	KindIsDir:          syscall.EISDIR,
	KindNotEmpty:       syscall.ENOTEMPTY,
	KindPerm:           syscall.EPERM,
	KindReadOnly:       syscall.EROFS,
	KindInvalid:        syscall.EINVAL,
	KindIoError:        syscall.EIO,
	KindNameTooLong:    syscall.ENAMETOOLONG,
	KindNotImplemented: syscall.ENOSYS,
	KindCrossDevice:    syscall.EXDEV,
}

// Error is the (Kind, Msg, Wrapped) triple every Layer and overlay
// operation reports failures as; Errno derives the errno from Kind.
type Error struct {
	Kind Kind
	Msg  string

	// Wrapped, if set, is the underlying error this Error was derived
	// from (e.g. a raw syscall.Errno or os.PathError from a Passthrough
	// layer).
	Wrapped error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Wrapped != nil {
		return e.Wrapped.Error()
	}
	return e.Errno().Error()
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Errno reports the POSIX errno this error should be surfaced to the
// kernel as.
func (e *Error) Errno() syscall.Errno {
	if errno, ok := kindErrno[e.Kind]; ok {
		return errno
	}
	return syscall.EIO
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an arbitrary error from a layer implementation (usually
// a syscall.Errno or *os.PathError) into an Error, so the overlay engine
// has a single vocabulary of failures to reason about regardless of which
// layer produced them.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}

	errno := errnoOf(err)
	switch errno {
	case syscall.ENOENT:
		return &Error{Kind: KindNotFound, Wrapped: err}
	case syscall.EEXIST:
		return &Error{Kind: KindExists, Wrapped: err}
	case syscall.ENOTDIR:
		return &Error{Kind: KindNotDir, Wrapped: err}
	case syscall.EISDIR:
		return &Error{Kind: KindIsDir, Wrapped: err}
	case syscall.ENOTEMPTY:
		return &Error{Kind: KindNotEmpty, Wrapped: err}
	case syscall.EPERM:
		return &Error{Kind: KindPerm, Wrapped: err}
	case syscall.EROFS:
		return &Error{Kind: KindReadOnly, Wrapped: err}
	case syscall.EINVAL:
		return &Error{Kind: KindInvalid, Wrapped: err}
	case syscall.ENAMETOOLONG:
		return &Error{Kind: KindNameTooLong, Wrapped: err}
	case syscall.ENOSYS:
		return &Error{Kind: KindNotImplemented, Wrapped: err}
	case syscall.EXDEV:
		return &Error{Kind: KindCrossDevice, Wrapped: err}
	default:
		return &Error{Kind: KindIoError, Wrapped: err}
	}
}

func errnoOf(err error) syscall.Errno {
	type errnoer interface{ Errno() syscall.Errno }
	if e, ok := err.(errnoer); ok {
		return e.Errno()
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return errnoOf(u.Unwrap())
	}
	return 0
}

// Is reports whether err (or anything it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// NotImplemented reports whether err represents an ENOSYS from a layer,
// the case several call sites tolerate by falling back to a default
// behavior (see spec's error-propagation policy for opendir/release/
// fsync).
func NotImplemented(err error) bool {
	if err == nil {
		return false
	}
	return Is(Wrap(err), KindNotImplemented)
}
