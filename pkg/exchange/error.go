package exchange

import (
	"fmt"
	"strings"
)

func sprintf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

// Error is a terminal failure of one exchange, carrying the reason code
// surfaced in metrics and (for denial/validation kinds) response bodies
// per spec.md §7's taxonomy.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Status maps a reason code to its HTTP status per spec.md §4.13/§7.
func (e *Error) Status() int {
	switch {
	case e.Code == "MISSING_KEY", e.Code == "INVALID_KEY":
		return 401
	case e.Code == "MISSING_IDEM", e.Code == "INVALID_REQUEST":
		return 400
	case strings.HasPrefix(e.Code, "HEL_"):
		return 403
	case e.Code == "CHAIN_CONFLICT":
		return 409
	case e.Code == "INPUT_SCHEMA_INVALID",
		e.Code == "OUTPUT_SCHEMA_INVALID",
		e.Code == "ARGUMENTS_UNPARSEABLE",
		strings.HasPrefix(e.Code, "SEMANTIC_VIOLATION"):
		return 422
	case e.Code == "FALLBACK_DISABLED", strings.HasPrefix(e.Code, "FU_QUOTA_EXCEEDED"):
		return 429
	default:
		return 500
	}
}

func errf(code, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = sprintf(format, args...)
	}
	return &Error{Code: code, Message: msg}
}
