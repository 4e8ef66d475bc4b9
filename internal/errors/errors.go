package errors

import (
	"fmt"
	"os"

	"github.com/julianstephens/cadence/internal/logger"
)

// Format formats an error message with a consistent prefix naming the error class
func Format(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", label(err), err)
}

// Fatal logs an error and exits the program with the exit code for its class
func Fatal(err error) {
	if err != nil {
		logger.Error("Command execution failed", "error", err, "class", label(err))
		fmt.Fprintf(os.Stderr, "%s\n", Format(err))
		os.Exit(ExitCode(err))
	}
}

// ExitCode maps an error class to a process exit code. Transient failures use
// EX_TEMPFAIL so wrappers can tell a retryable failure from a rejected request.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case IsValidation(err):
		return 2
	case IsConflict(err):
		return 3
	case IsNotFound(err):
		return 4
	case IsTransient(err):
		return 75
	case IsInvariantViolation(err):
		return 70
	default:
		return 1
	}
}

func label(err error) string {
	switch {
	case IsValidation(err):
		return "Validation error"
	case IsConflict(err):
		return "Conflict"
	case IsNotFound(err):
		return "Not found"
	case IsTransient(err):
		return "Storage unavailable"
	case IsInvariantViolation(err):
		return "Invariant violation"
	default:
		return "Error"
	}
}
