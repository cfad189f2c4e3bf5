package wire

// Code is an integer result code transmitted on the wire alongside failure
// and success messages. Non-negative codes are success variants; negative
// codes are failures. The values are part of the protocol and must not be
// renumbered.
type Code int

// Wire result codes.
const (
	CodeOK        Code = 0
	CodeScheduled Code = 1

	CodeAccessDenied   Code = -10
	CodeNotValidated   Code = -11
	CodeNotTrusted     Code = -12
	CodeUsageError     Code = -13
	CodeQueryError     Code = -14
	CodePasswordDenied Code = -15
	CodeExternalError  Code = -16
)

// FlagNoVirtualization is a bit flag carried in failure events when the
// hypervisor reports that hardware virtualization is unavailable.
const FlagNoVirtualization = 0x01

// Failed reports whether the code denotes a failure.
func (c Code) Failed() bool {
	return c < 0
}

// String returns a short identifier for logging. It is not part of the wire
// format.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeScheduled:
		return "scheduled"
	case CodeAccessDenied:
		return "access_denied"
	case CodeNotValidated:
		return "not_validated"
	case CodeNotTrusted:
		return "not_trusted"
	case CodeUsageError:
		return "usage_error"
	case CodeQueryError:
		return "query_error"
	case CodePasswordDenied:
		return "password_denied"
	case CodeExternalError:
		return "external_error"
	default:
		return "unknown"
	}
}
