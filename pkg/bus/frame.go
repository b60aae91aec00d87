package bus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MuuuShin/lagrange-go/pkg/protocol"
)

// Frame is the outer envelope shared by every packet: a correlation
// sequence, the command string, and the command-specific payload whose
// layout belongs to the codec for that command.
type Frame struct {
	Seq     uint32
	Cmd     protocol.Command
	Payload []byte
}

var errShortFrame = errors.New("frame too short")

// MarshalFrame encodes seq(4) | cmdLen(2) | cmd | payload, big endian.
func MarshalFrame(f Frame) []byte {
	cmd := []byte(f.Cmd)
	out := make([]byte, 0, 6+len(cmd)+len(f.Payload))
	out = binary.BigEndian.AppendUint32(out, f.Seq)
	out = binary.BigEndian.AppendUint16(out, uint16(len(cmd)))
	out = append(out, cmd...)
	out = append(out, f.Payload...)
	return out
}

func UnmarshalFrame(data []byte) (Frame, error) {
	if len(data) < 6 {
		return Frame{}, errShortFrame
	}
	seq := binary.BigEndian.Uint32(data[0:4])
	cmdLen := int(binary.BigEndian.Uint16(data[4:6]))
	if len(data) < 6+cmdLen {
		return Frame{}, fmt.Errorf("frame truncated: want %d command bytes, have %d", cmdLen, len(data)-6)
	}
	return Frame{
		Seq:     seq,
		Cmd:     protocol.Command(data[6 : 6+cmdLen]),
		Payload: data[6+cmdLen:],
	}, nil
}
