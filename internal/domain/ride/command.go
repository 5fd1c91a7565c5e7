package ride

import (
	"errors"
	"strings"
)

// Command is a driver intent submitted through the dispatcher.
type Command string

const (
	CommandAccept   Command = "ACCEPT"
	CommandReject   Command = "REJECT"
	CommandStart    Command = "START"
	CommandComplete Command = "COMPLETE"
)

var ErrInvalidCommand = errors.New("invalid ride command")

// ParseCommand normalizes (uppercases+trims) and validates a command string.
func ParseCommand(in string) (Command, error) {
	command := Command(strings.ToUpper(strings.TrimSpace(in)))
	if command.Valid() {
		return command, nil
	}
	return "", ErrInvalidCommand
}

// Valid reports whether command is one of the allowed command constants.
func (command Command) Valid() bool {
	switch command {
	case CommandAccept, CommandReject, CommandStart, CommandComplete:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Command.
func (command Command) String() string {
	return string(command)
}
