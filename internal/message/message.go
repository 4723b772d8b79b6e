// Package message defines commands posted to a run and the node layout a run
// uses in the coordination service:
//
//	/<run>/state          StateNode of the run
//	/<run>/messages/msgN  pending commands, deleted by the run once processed
//	/instances/<run>      ephemeral liveness node of the run
package message

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

type Type string

const (
	TypeSystem Type = "SYSTEM"
	TypeUser   Type = "USER"
)

type Scope string

const (
	ScopeApplication  Scope = "APPLICATION"
	ScopeAllRunnables Scope = "ALL_RUNNABLE"
	ScopeRunnable     Scope = "RUNNABLE"
)

// StopCommand is the system command asking a run to stop.
const StopCommand = "stop"

// Command is an opaque named command with options.
type Command struct {
	Command string            `json:"command"`
	Options map[string]string `json:"options"`
}

func NewCommand(command string, options map[string]string) Command {
	if options == nil {
		options = map[string]string{}
	}
	return Command{Command: command, Options: options}
}

func (c Command) String() string {
	if len(c.Options) == 0 {
		return c.Command
	}
	var sb strings.Builder
	sb.WriteString(c.Command)
	for _, k := range slices.Sorted(maps.Keys(c.Options)) {
		fmt.Fprintf(&sb, " %s=%s", k, c.Options[k])
	}
	return sb.String()
}

type Message struct {
	Type         Type    `json:"type"`
	Scope        Scope   `json:"scope"`
	RunnableName string  `json:"runnableName,omitempty"`
	Command      Command `json:"command"`
}

// ForAll addresses a user command to every runnable of the run.
func ForAll(cmd Command) Message {
	return Message{Type: TypeUser, Scope: ScopeAllRunnables, Command: cmd}
}

func ForRunnable(name string, cmd Command) Message {
	return Message{Type: TypeUser, Scope: ScopeRunnable, RunnableName: name, Command: cmd}
}

func StopApplication() Message {
	return Message{Type: TypeSystem, Scope: ScopeApplication, Command: NewCommand(StopCommand, nil)}
}

func (m Message) IsStop() bool {
	return m.Type == TypeSystem && m.Command.Command == StopCommand
}

// Targets reports whether the message is addressed to the runnable called name.
func (m Message) Targets(name string) bool {
	return m.Scope != ScopeRunnable || m.RunnableName == name
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if m.Type == "" || m.Scope == "" {
		return Message{}, fmt.Errorf("decoding message: missing type or scope")
	}
	if m.Command.Options == nil {
		m.Command.Options = map[string]string{}
	}
	return m, nil
}

// InstancesPath holds the liveness nodes of all runs.
const InstancesPath = "/instances"

func RunPath(runID string) string {
	return "/" + runID
}

func StatePath(runID string) string {
	return "/" + runID + "/state"
}

func MessagesPath(runID string) string {
	return "/" + runID + "/messages"
}

// MessagePrefix is the name prefix of the sequential message nodes.
func MessagePrefix(runID string) string {
	return MessagesPath(runID) + "/msg"
}

func InstancePath(runID string) string {
	return InstancesPath + "/" + runID
}
