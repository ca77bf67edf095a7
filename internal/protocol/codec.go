package protocol

import (
	"fmt"
	"strings"
)

// padding is stripped from both ends of an inbound line. Datagram receivers
// commonly hand over zero-filled buffers.
const padding = " \t\r\n\x00"

// Encode renders m as KIND.SENDER.BODY.
func Encode(m Message) string {
	var b strings.Builder
	b.Grow(len(m.Sender) + len(m.Body) + 12)
	b.WriteString(m.Kind.String())
	b.WriteString(delimiter)
	b.WriteString(m.Sender)
	b.WriteString(delimiter)
	b.WriteString(m.Body)
	return b.String()
}

// EncodeLine renders m followed by a newline, the framing used on
// stream transports.
func EncodeLine(m Message) []byte {
	return append([]byte(Encode(m)), '\n')
}

// Decode parses a wire line. Only the first two dots are delimiters, so the
// body may contain dots of its own. A line with just KIND.SENDER has an
// empty body.
func Decode(line string) (Message, error) {
	s := strings.Trim(line, padding)

	kindTok, rest, ok := strings.Cut(s, delimiter)
	if !ok {
		return Message{}, fmt.Errorf("%w: missing sender in %q", ErrDecode, s)
	}
	sender, body, _ := strings.Cut(rest, delimiter)

	kind, err := ParseKind(kindTok)
	if err != nil {
		return Message{}, err
	}
	if sender == "" {
		return Message{}, fmt.Errorf("%w: empty sender in %q", ErrDecode, s)
	}

	return Message{Kind: kind, Sender: sender, Body: body}, nil
}

// DecodeBytes is Decode for raw transport buffers.
func DecodeBytes(b []byte) (Message, error) {
	return Decode(string(b))
}
