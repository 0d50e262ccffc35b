package agv

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Opcodes understood by the vehicle firmware's control channel.
const (
	OpStop  byte = 0xFF
	OpDrive byte = 0xD1 // + int16 v (mm/s), int16 w (deg/s), little-endian
)

// ErrInvalidCommand is returned when a command cannot be built or parsed.
var ErrInvalidCommand = errors.New("invalid command")

// Command is a single control message. It is immutable once built; use
// NewCommand, Stop or Drive to construct one.
type Command struct {
	opcode  byte
	payload []byte
}

// NewCommand builds a command, checking the payload size for known opcodes.
func NewCommand(opcode byte, payload []byte) (Command, error) {
	switch opcode {
	case OpStop:
		if len(payload) != 0 {
			return Command{}, fmt.Errorf("%w: stop takes no payload, got %d bytes", ErrInvalidCommand, len(payload))
		}
	case OpDrive:
		if len(payload) != 4 {
			return Command{}, fmt.Errorf("%w: drive payload must be 4 bytes, got %d", ErrInvalidCommand, len(payload))
		}
	}
	return Command{opcode: opcode, payload: append([]byte(nil), payload...)}, nil
}

// Stop halts the vehicle.
func Stop() Command {
	return Command{opcode: OpStop}
}

// Drive requests linear velocity v (mm/s) and angular velocity w (deg/s).
// Values outside the int16 range are clamped.
func Drive(v, w int) Command {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(clampInt16(v)))
	binary.LittleEndian.PutUint16(payload[2:4], uint16(clampInt16(w)))
	return Command{opcode: OpDrive, payload: payload}
}

// Opcode returns the command opcode.
func (c Command) Opcode() byte { return c.opcode }

// Payload returns a copy of the command payload.
func (c Command) Payload() []byte {
	return append([]byte(nil), c.payload...)
}

// MarshalBinary encodes the command as the firmware expects it: the opcode
// byte followed by the raw payload.
func (c Command) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 1+len(c.payload))
	out = append(out, c.opcode)
	return append(out, c.payload...), nil
}

func (c Command) String() string {
	switch c.opcode {
	case OpStop:
		return "stop"
	case OpDrive:
		if len(c.payload) == 4 {
			v := int16(binary.LittleEndian.Uint16(c.payload[0:2]))
			w := int16(binary.LittleEndian.Uint16(c.payload[2:4]))
			return fmt.Sprintf("drive v=%d w=%d", v, w)
		}
	}
	return fmt.Sprintf("op=0x%02X payload=%X", c.opcode, c.payload)
}

// ParseCommand maps a textual command such as "stop" or "drive 200 0" to a
// Command. Raw opcodes are accepted as "raw <hex-opcode> [hex-payload]".
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	switch fields[0] {
	case "stop":
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%w: stop takes no arguments", ErrInvalidCommand)
		}
		return Stop(), nil
	case "drive":
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("%w: usage: drive <v_mm_s> <w_deg_s>", ErrInvalidCommand)
		}
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad v %q", ErrInvalidCommand, fields[1])
		}
		w, err := strconv.Atoi(fields[2])
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad w %q", ErrInvalidCommand, fields[2])
		}
		return Drive(v, w), nil
	case "raw":
		if len(fields) < 2 || len(fields) > 3 {
			return Command{}, fmt.Errorf("%w: usage: raw <opcode> [payload]", ErrInvalidCommand)
		}
		op, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 8)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad opcode %q", ErrInvalidCommand, fields[1])
		}
		var payload []byte
		if len(fields) == 3 {
			payload, err = hex.DecodeString(strings.TrimPrefix(fields[2], "0x"))
			if err != nil {
				return Command{}, fmt.Errorf("%w: bad payload: %v", ErrInvalidCommand, err)
			}
		}
		return NewCommand(byte(op), payload)
	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, fields[0])
	}
}

func clampInt16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
