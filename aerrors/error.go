package aerrors

import (
	"fmt"

	"github.com/filecoin-project/go-state-types/exitcode"
	"golang.org/x/xerrors"
)

// ActorError is an error that carries an exit code and a fatal bit.
// Non-fatal actor errors become receipt exit codes at the call boundary;
// fatal errors abort the whole message and never produce a receipt.
type ActorError interface {
	error
	IsFatal() bool
	RetCode() exitcode.ExitCode
}

type actorError struct {
	fatal   bool
	retCode exitcode.ExitCode

	msg string
	err error
}

func (e *actorError) IsFatal() bool {
	return e.fatal
}

func (e *actorError) RetCode() exitcode.ExitCode {
	return e.retCode
}

func (e *actorError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e *actorError) Unwrap() error {
	return e.err
}

// IsFatal is a nil-safe accessor.
func IsFatal(err ActorError) bool {
	return err != nil && err.IsFatal()
}

// RetCode returns the exit code of err, or Ok for nil.
func RetCode(err ActorError) exitcode.ExitCode {
	if err == nil {
		return exitcode.Ok
	}
	return err.RetCode()
}

// New creates a non-fatal actor error. code must not be Ok.
func New(retCode exitcode.ExitCode, message string) ActorError {
	if retCode == exitcode.Ok {
		return &actorError{
			fatal:   true,
			retCode: 0,
			msg:     "tried creating an error with exit code Ok: " + message,
		}
	}
	return &actorError{
		retCode: retCode,
		msg:     message,
	}
}

func Newf(retCode exitcode.ExitCode, format string, args ...interface{}) ActorError {
	return New(retCode, fmt.Sprintf(format, args...))
}

// Fatal creates a fatal error, aborting the message.
func Fatal(message string) ActorError {
	return &actorError{
		fatal: true,
		msg:   message,
	}
}

func Fatalf(format string, args ...interface{}) ActorError {
	return Fatal(fmt.Sprintf(format, args...))
}

// Wrap extends the chain of errors, keeping the code and fatality of the
// inner error.
func Wrap(err ActorError, message string) ActorError {
	if err == nil {
		return nil
	}
	return &actorError{
		fatal:   err.IsFatal(),
		retCode: err.RetCode(),
		msg:     message,
		err:     err,
	}
}

func Wrapf(err ActorError, format string, args ...interface{}) ActorError {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Absorb turns a plumbing error into a non-fatal actor error with the given
// exit code. Absorbing a fatal actor error is itself fatal.
func Absorb(err error, retCode exitcode.ExitCode, message string) ActorError {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(ActorError); ok && aerr.IsFatal() {
		return &actorError{
			fatal:   true,
			retCode: 0,
			msg:     "tried to absorb a fatal error: " + message,
			err:     err,
		}
	}
	if retCode == exitcode.Ok {
		return &actorError{
			fatal: true,
			msg:   "tried absorbing an error into exit code Ok: " + message,
			err:   err,
		}
	}
	return &actorError{
		retCode: retCode,
		msg:     message,
		err:     err,
	}
}

// Escalate marks a plumbing error as fatal.
func Escalate(err error, message string) ActorError {
	if err == nil {
		return nil
	}
	return &actorError{
		fatal: true,
		msg:   message,
		err:   err,
	}
}

// Unwrap recovers an ActorError from a wrapped error chain, if present.
func Unwrap(err error) (ActorError, bool) {
	var aerr *actorError
	if xerrors.As(err, &aerr) {
		return aerr, true
	}
	return nil, false
}
