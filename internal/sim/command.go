package sim

import "time"

// CommandType enumerates the commands collaborators may inject.
type CommandType string

const (
	CommandConnect      CommandType = "Connect"
	CommandDisconnect   CommandType = "Disconnect"
	CommandStartHost    CommandType = "StartHost"
	CommandStopHost     CommandType = "StopHost"
	CommandSendChat     CommandType = "SendChat"
	CommandUpdatePlayer CommandType = "UpdatePlayer"
	CommandMoveCursor   CommandType = "MoveCursor"
	CommandMoveToken    CommandType = "MoveToken"
	CommandSelect       CommandType = "Select"
	CommandDeselect     CommandType = "Deselect"
)

// PlayerCommand carries a new display identity.
type PlayerCommand struct {
	Name  string   `json:"name"`
	Color [3]uint8 `json:"color"`
}

// PositionCommand carries a table position.
type PositionCommand struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Command is an immutable intent applied on the next tick. Entity is a
// local entity handle; it is translated before it crosses the wire.
type Command struct {
	Type       CommandType      `json:"type"`
	IssuedAt   time.Time        `json:"issuedAt"`
	Address    string           `json:"address,omitempty"`
	Text       string           `json:"text,omitempty"`
	Player     *PlayerCommand   `json:"player,omitempty"`
	Position   *PositionCommand `json:"position,omitempty"`
	Entity     uint64           `json:"entity,omitempty"`
	Everything bool             `json:"everything,omitempty"`
}
