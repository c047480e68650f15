package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/erp/fiscalsync/internal/domain/shared"
)

// Exit codes for lotctl commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and reported failures (rejected documents, held lease)
	ExitCommandError = 2 // bad arguments, configuration or infrastructure errors
)

// ExitError carries the process exit code of a failed command
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Errors that are not
// ExitErrors map to ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or JSON
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope of every command
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data. In text mode text is printed instead.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error writes a failure
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}

// Fail reports err and converts it into an ExitError. Domain errors keep
// their code; rejected or held work exits with ExitFailure, everything else
// with ExitCommandError.
func (f *OutputFormatter) Fail(message string, err error) error {
	code := "INTERNAL_ERROR"
	exit := ExitCommandError
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		code = domainErr.Code
		switch code {
		case "LEASE_HELD", "FISCAL_SYNC_FAILED", "NOT_FOUND":
			exit = ExitFailure
		}
	}
	_ = f.Error(code, err.Error())
	return WrapExitError(exit, message, err)
}
