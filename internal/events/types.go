// Package events provides event types and utilities for the Runbox event system.
package events

// Event types for executor containers
const (
	ContainerCreated = "container.created"
	ContainerStarted = "container.started"
	ContainerRemoved = "container.removed"
)

// Event types for command execution
const (
	ExecCompleted = "exec.completed"
)

// Event types for agent sessions
const (
	SessionCreated = "session.created"
	ChatCompleted  = "chat.completed"
)

// Source identifiers used in event envelopes
const (
	SourceToolServer  = "runbox"
	SourceAgentBridge = "runbox-agentapi"
)

// BuildContainerWildcardSubject creates a wildcard subscription covering all
// container lifecycle events
func BuildContainerWildcardSubject() string {
	return "container.*"
}
