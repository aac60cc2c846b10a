package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidUTF8 is returned when a length-prefixed string payload is not
// valid UTF-8.
var ErrInvalidUTF8 = errors.New("protocol: invalid UTF-8 in string")

// ShortBufferError is returned when a primitive read runs past the end of the
// buffer. This happens during parsing, before the payload length from the
// header can bound the read, so the receiver should wait for more bytes.
type ShortBufferError struct {
	Expected int // bytes the read needed
	Got      int // bytes actually available
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("protocol: packet too short: need %d bytes, have %d", e.Expected, e.Got)
}

// IncompletePayloadError is returned when the header declares a payload
// length that exceeds the bytes available. The shortfall is known exactly, so
// a TCP receiver can wait for precisely the missing bytes.
type IncompletePayloadError struct {
	Expected int // payload length declared by the header
	Got      int // payload bytes available
}

func (e *IncompletePayloadError) Error() string {
	return fmt.Sprintf("protocol: incomplete payload: header declares %d bytes, have %d", e.Expected, e.Got)
}

// UnknownPacketIDError is returned when the leading byte does not name any
// packet variant.
type UnknownPacketIDError byte

func (e UnknownPacketIDError) Error() string {
	return fmt.Sprintf("protocol: unknown packet id 0x%02x", byte(e))
}

// IsRecoverable reports whether err indicates a partial read that more bytes
// can fix. TCP receivers keep accumulating on these; any other decode error
// means the accumulator head is garbage.
func IsRecoverable(err error) bool {
	var short *ShortBufferError
	var incomplete *IncompletePayloadError
	return errors.As(err, &short) || errors.As(err, &incomplete)
}
