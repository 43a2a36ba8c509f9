package errcodes

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
)

// Severity ranks how an error code affects lifecycle advancement.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityBlock    Severity = "BLOCK"
	SeverityCritical Severity = "CRITICAL"
)

// Kind groups codes into the failure taxonomy used for status mapping.
type Kind string

const (
	KindStructural Kind = "structural"
	KindIntent     Kind = "intent"
	KindState      Kind = "state"
	KindBudget     Kind = "budget"
	KindGate       Kind = "gate"
	KindSystem     Kind = "system"
)

// ErrorCode is the stable error payload shape shared with the outer layers.
type ErrorCode struct {
	Code              Code     `json:"code"`
	Message           string   `json:"message"`
	DoctrineReference string   `json:"doctrine_reference"`
	RemediationSteps  []string `json:"remediation_steps"`
	Severity          Severity `json:"severity"`
}

// Lookup returns a copy of the catalog entry for code.
func Lookup(code Code) (ErrorCode, bool) {
	def, ok := catalog[code]
	if !ok {
		return ErrorCode{}, false
	}
	ec := def.payload()
	ec.Code = code
	return ec, true
}

// Must returns the catalog entry for code and panics on unknown codes.
// Only call it with the package constants.
func Must(code Code) ErrorCode {
	ec, ok := Lookup(code)
	if !ok {
		panic(fmt.Sprintf("errcodes: unknown code %q", code))
	}
	return ec
}

// KindOf reports the taxonomy kind of a code. Unknown codes are system errors.
func KindOf(code Code) Kind {
	if def, ok := catalog[code]; ok {
		return def.kind
	}
	return KindSystem
}

// HTTPStatus maps a code onto the response class outer layers should use:
// business failures are 4xx, collaborator outages are 503.
func HTTPStatus(code Code) int {
	switch KindOf(code) {
	case KindStructural, KindGate:
		return http.StatusUnprocessableEntity
	case KindIntent, KindState:
		return http.StatusConflict
	case KindBudget:
		return http.StatusPaymentRequired
	default:
		return http.StatusServiceUnavailable
	}
}

// Codes lists every defined code in catalog order.
func Codes() []Code {
	return slices.Clone(catalogOrder)
}

// Error is a typed error carrying a catalog code.
type Error struct {
	Code    Code
	Detail  string
	Details map[string]any
	Err     error
}

// New builds an Error for code with a context-specific detail.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches code to an underlying cause.
func Wrap(code Code, err error) *Error {
	e := &Error{Code: code, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// WithDetail attaches a structured diagnostic value and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if def, ok := catalog[e.Code]; ok {
		msg += ": " + def.message
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorKind classifies the error for status mapping.
func (e *Error) ErrorKind() string {
	return string(KindOf(e.Code))
}

// Payload returns the catalog shape for the error's code.
func (e *Error) Payload() ErrorCode {
	if ec, ok := Lookup(e.Code); ok {
		return ec
	}
	return ErrorCode{Code: e.Code, Message: e.Detail, Severity: SeverityCritical}
}

// CodeOf extracts the catalog code from err, if any.
func CodeOf(err error) (Code, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code, true
	}
	return "", false
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
