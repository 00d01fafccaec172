package config

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes carried by UserError.
const (
	ErrCodeConfigNotFound   = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "CONFIG_INVALID"
	ErrCodeConfigParse      = "CONFIG_PARSE"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeClassDirNotFound = "CLASS_DIR_NOT_FOUND"
)

// UserError is a configuration problem the operator can fix. The CLI prints
// Suggestion under the message and Underlying only in verbose mode.
type UserError struct {
	Code       string
	Message    string
	Context    string // file, key or directory the problem was found at
	Suggestion string
	Underlying error
}

func (e *UserError) Error() string {
	if e.Context == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (at %s)", e.Message, e.Context)
}

func (e *UserError) Unwrap() error {
	return e.Underlying
}

// Is matches another UserError with the same code.
func (e *UserError) Is(target error) bool {
	var t *UserError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Format renders the code, location and suggestion on separate lines.
func (e *UserError) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Context != "" {
		fmt.Fprintf(&b, "\n  Location: %s", e.Context)
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&b, "\n  Suggestion: %s", e.Suggestion)
	}
	return b.String()
}

// ErrorList collects every validation problem so they are reported at once.
type ErrorList struct {
	errs []*UserError
}

// NewErrorList returns an empty list.
func NewErrorList() *ErrorList {
	return &ErrorList{}
}

// Add appends err; nil is ignored.
func (l *ErrorList) Add(err *UserError) {
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

// AddValidation records an invalid config key.
func (l *ErrorList) AddValidation(key, message, suggestion string) {
	l.Add(&UserError{
		Code:       ErrCodeValidationFailed,
		Message:    key + ": " + message,
		Context:    key,
		Suggestion: suggestion,
	})
}

// Errors returns a copy of the collected errors.
func (l *ErrorList) Errors() []*UserError {
	return append([]*UserError(nil), l.errs...)
}

func (l *ErrorList) Error() string {
	switch len(l.errs) {
	case 0:
		return ""
	case 1:
		return l.errs[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:\n", len(l.errs))
	for i, err := range l.errs {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

// Format renders every error with its suggestion.
func (l *ErrorList) Format() string {
	if len(l.errs) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d error(s):\n", len(l.errs))
	for i, err := range l.errs {
		fmt.Fprintf(&b, "\n--- Error %d ---\n%s\n", i+1, err.Format())
	}
	return b.String()
}

// AsError returns l, or nil when nothing was collected.
func (l *ErrorList) AsError() error {
	if len(l.errs) == 0 {
		return nil
	}
	return l
}

// NewConfigNotFoundError reports a --config path that does not exist.
func NewConfigNotFoundError(path string) *UserError {
	return &UserError{
		Code:       ErrCodeConfigNotFound,
		Message:    "configuration file not found: " + path,
		Context:    path,
		Suggestion: "Check the --config path, or drop the flag to run on defaults.",
	}
}

// NewConfigParseError reports a config file viper could not read.
func NewConfigParseError(path string, err error) *UserError {
	return &UserError{
		Code:       ErrCodeConfigParse,
		Message:    "failed to parse configuration file",
		Context:    path,
		Suggestion: "Check the file syntax. Use a .yaml, .yml or .toml extension so the format can be detected.",
		Underlying: err,
	}
}

// NewClassDirNotFoundError reports a class_dir that is missing or not a directory.
func NewClassDirNotFoundError(dir string) *UserError {
	return &UserError{
		Code:       ErrCodeClassDirNotFound,
		Message:    "class directory not found: " + dir,
		Context:    "class_dir",
		Suggestion: fmt.Sprintf("Create '%s' or point class_dir at a directory holding one sub-directory per class.", dir),
	}
}
