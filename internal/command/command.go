package command

import (
	"context"
	"maps"

	"github.com/bavix/nestbridge/internal/device"
)

// Family groups commands that overwrite each other while pending.
type Family string

const (
	FamilyMode     Family = "mode"
	FamilySetpoint Family = "setpoint"
)

// Command is one remote command with its parameters.
type Command struct {
	Name   string         `json:"command"`
	Params map[string]any `json:"params"`
}

// With returns a copy of c with params overlaid.
func (c Command) With(params map[string]any) Command {
	out := Command{Name: c.Name, Params: make(map[string]any, len(c.Params)+len(params))}
	maps.Copy(out.Params, c.Params)
	maps.Copy(out.Params, params)

	return out
}

// Profile carries the vendor rules the coalescer needs.
type Profile interface {
	// Family classifies a command; unknown commands return an error.
	Family(cmd Command) (Family, error)
	// ModeOf returns the mode a mode-family command sets.
	ModeOf(cmd Command) string
	// RequiredMode returns the mode a setpoint command needs.
	RequiredMode(cmd Command) (string, bool)
	// ModeCommand builds the command that switches to mode.
	ModeCommand(mode string) Command
	// CurrentMode reads the mode from the latest known state.
	CurrentMode(d *device.Device) string
	// Complete fills parameters the command omits from the latest known state.
	Complete(cmd Command, d *device.Device) Command
}

// Sender performs a remote call.
type Sender interface {
	Send(ctx context.Context, deviceID string, cmd Command) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, deviceID string, cmd Command) error

func (f SenderFunc) Send(ctx context.Context, deviceID string, cmd Command) error {
	return f(ctx, deviceID, cmd)
}

// Reconciler pulls fresh state for a device after a flush.
type Reconciler func(ctx context.Context, deviceID string)
