// Package protocol encodes and decodes the frames exchanged with the rover
// firmware over the serial link.
//
// Every frame starts with a three byte header (message id, subsystem id,
// command code) followed by a payload whose length is fixed by the command's
// shape. Multi-byte fields are little-endian.
package protocol

import "fmt"

// MessageID is the first header byte.
type MessageID uint8

const (
	MessageCommand MessageID = 0x00
	MessageStatus  MessageID = 0x01
	MessageError   MessageID = 0xFF
)

func (m MessageID) String() string {
	switch m {
	case MessageCommand:
		return "command"
	case MessageStatus:
		return "status"
	case MessageError:
		return "error"
	default:
		return fmt.Sprintf("message(0x%02x)", uint8(m))
	}
}

// SubsystemID selects the peripheral a frame is addressed to.
type SubsystemID uint8

const (
	Servo    SubsystemID = 0x00
	Sonar    SubsystemID = 0x01
	Infrared SubsystemID = 0x02
)

func (s SubsystemID) String() string {
	switch s {
	case Servo:
		return "servo"
	case Sonar:
		return "sonar"
	case Infrared:
		return "infrared"
	default:
		return fmt.Sprintf("subsystem(0x%02x)", uint8(s))
	}
}

// CommandCode is scoped by subsystem: the same code means different things
// to the servo and to a range sensor.
type CommandCode uint8

// Servo commands.
const (
	ServoInit       CommandCode = 0x00
	ServoState      CommandCode = 0x01
	ServoAngle      CommandCode = 0x02
	ServoPulseWidth CommandCode = 0x03
)

// Range sensor commands, shared by the sonar and infrared subsystems.
const (
	RangeInit     CommandCode = 0x00
	RangeReadings CommandCode = 0x01
)

// Identity is the correlation key for a request and its response.
type Identity struct {
	Message   MessageID
	Subsystem SubsystemID
	Command   CommandCode
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Message, id.Subsystem, CommandName(id.Subsystem, id.Command))
}

// Message is a decoded frame.
type Message struct {
	ID        MessageID
	Subsystem SubsystemID
	Command   CommandCode
	Payload   []byte
	// ExpectsResponse is false for fire-and-forget commands such as a servo
	// move without wait.
	ExpectsResponse bool
}

// Identity returns the message's correlation key.
func (m Message) Identity() Identity {
	return Identity{Message: m.ID, Subsystem: m.Subsystem, Command: m.Command}
}

// Command builds a host-to-rover command message that expects a reply.
func Command(sub SubsystemID, cmd CommandCode, payload []byte) Message {
	return Message{ID: MessageCommand, Subsystem: sub, Command: cmd, Payload: payload, ExpectsResponse: true}
}
