// Package failure classifies publish errors so callers can tell what is safe to
// retry, what needs the user to re-authenticate and what must surface as-is.
package failure

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	// Transient covers timeouts, connection failures and 5xx responses.
	Transient Kind = "transient"
	// AuthExpired means the credential could not be used or refreshed.
	AuthExpired Kind = "auth_expired"
	// PlatformRejected is a 4xx with a business error body.
	PlatformRejected Kind = "platform_rejected"
	// Quota is a rate or quota limit. Retryable after RetryAfter.
	Quota Kind = "quota"
	// Validation is a bad request caught before any platform call.
	Validation Kind = "validation"
	// Internal is a bug or broken invariant. Never retried.
	Internal Kind = "internal"
)

// Codes handed to the API layer. Zero is success.
const (
	CodeOK         = 0
	CodeAuth       = 10
	CodeQuota      = 20
	CodeValidation = 30
	CodeUpstream   = 40
	CodeInternal   = 50
)

type Error struct {
	Kind       Kind
	Platform   string
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Platform != "" {
		b.WriteString(" [")
		b.WriteString(e.Platform)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithPlatform tags err with platform, wrapping it as Internal if it was unclassified.
func WithPlatform(err error, platform string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Platform == "" {
			cp := *fe
			cp.Platform = platform
			return &cp
		}
		return err
	}
	return &Error{Kind: Internal, Platform: platform, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var tr interface{ Transient() bool }
	if errors.As(err, &tr) && tr.Transient() {
		return Transient
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return Transient
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an automatic retry may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Quota:
		return true
	default:
		return false
	}
}

func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Message is the caller facing text for err. Platform rejections surface verbatim.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Kind == AuthExpired {
			if fe.Message != "" {
				return "needs re-authentication: " + fe.Message
			}
			return "needs re-authentication"
		}
		if fe.Message != "" {
			return fe.Message
		}
	}
	return err.Error()
}

func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	switch KindOf(err) {
	case AuthExpired:
		return CodeAuth
	case Quota:
		return CodeQuota
	case Validation:
		return CodeValidation
	case Transient, PlatformRejected:
		return CodeUpstream
	default:
		return CodeInternal
	}
}

// FromStatus classifies a non-2xx platform response. body is kept verbatim as the message.
func FromStatus(platform string, status int, header http.Header, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := &Error{Platform: platform, StatusCode: status, Message: msg}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = AuthExpired
	case status == http.StatusTooManyRequests:
		e.Kind = Quota
		e.RetryAfter = parseRetryAfter(header)
	case status == http.StatusRequestTimeout || status >= 500:
		e.Kind = Transient
	default:
		e.Kind = PlatformRejected
	}
	return e
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
