package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// ErrUnknownCommand is returned for a dash prefix other than -u or -m.
var ErrUnknownCommand = errors.New("command not found")

// Command is one line of console input resolved to a channel.
type Command struct {
	Kind protocol.Kind
	Text string
}

// ParseCommand maps console input to a channel: "-u text" goes over unicast,
// "-m text" over multicast and anything else over the reliable channel with
// the whole line as body. Prefixes are case-insensitive.
func ParseCommand(line string) (Command, error) {
	if !strings.HasPrefix(line, "-") {
		return Command{Kind: protocol.KindTCP, Text: line}, nil
	}
	if len(line) < 2 {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
	}

	text := strings.TrimPrefix(line[2:], " ")
	switch line[1] {
	case 'u', 'U':
		return Command{Kind: protocol.KindUDP, Text: text}, nil
	case 'm', 'M':
		return Command{Kind: protocol.KindMulticast, Text: text}, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line[:2])
	}
}
