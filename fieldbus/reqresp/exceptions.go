package reqresp

import "fmt"

// functionCode identifies the operation carried by a frame, request or
// response. Error responses echo the request's function code with the
// high bit set and carry an exceptionCode byte in place of a payload,
// the framing convention this package's terminology is grounded on
// (a request/response fieldbus protocol's illegal-function/
// illegal-address exception table).
type functionCode byte

const (
	funcReadInputs   functionCode = 0x01
	funcWriteOutputs functionCode = 0x02
	funcExchange     functionCode = 0x03

	funcErrorFlag functionCode = 0x80
)

// exceptionCode mirrors the handful of exception reasons a remote unit
// can report, narrowed from the wider table down to the ones this
// protocol actually distinguishes.
type exceptionCode byte

const (
	excIllegalFunction    exceptionCode = 0x01
	excIllegalDataAddress exceptionCode = 0x02
	excIllegalDataValue   exceptionCode = 0x03
	excServerDeviceFailure exceptionCode = 0x04
	excServerBusy         exceptionCode = 0x06
)

func (e exceptionCode) String() string {
	switch e {
	case excIllegalFunction:
		return "illegal function"
	case excIllegalDataAddress:
		return "illegal data address"
	case excIllegalDataValue:
		return "illegal data value"
	case excServerDeviceFailure:
		return "server device failure"
	case excServerBusy:
		return "server busy"
	default:
		return fmt.Sprintf("unknown exception 0x%02x", byte(e))
	}
}

// exceptionError is the decoded form of an error response frame.
// illegalFunction/illegalDataAddress indicate the request itself was
// malformed against this unit's address map: fatal, wrapped in
// fieldbus.ErrProtocol by the caller. illegalDataValue/
// serverDeviceFailure/serverBusy are conditions that can clear on their
// own (a transient payload rejection or the remote unit's own transient
// condition): wrapped in fieldbus.ErrTransient instead.
type exceptionError struct {
	function functionCode
	code     exceptionCode
}

func (e *exceptionError) Error() string {
	return fmt.Sprintf("reqresp: function 0x%02x: %s", byte(e.function), e.code)
}

func (e *exceptionError) fatal() bool {
	switch e.code {
	case excIllegalFunction, excIllegalDataAddress:
		return true
	default:
		return false
	}
}
