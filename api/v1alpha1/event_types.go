package v1alpha1

// EventType names a lifecycle transition published to the event bus.
type EventType string

const (
	EventInstanceStarted    EventType = "instance.started"
	EventInstanceRestarted  EventType = "instance.restarted"
	EventInstanceTerminated EventType = "instance.terminated"
)

// InstanceEvent is published after a lifecycle operation on an instance.
type InstanceEvent struct {
	TypeMeta `json:",inline" yaml:",inline"`

	Type       EventType `json:"type" yaml:"type"`
	InstanceID string    `json:"instanceID" yaml:"instanceID"`
	ImageID    string    `json:"imageID,omitempty" yaml:"imageID,omitempty"`
	Name       string    `json:"name,omitempty" yaml:"name,omitempty"`
	Time       Time      `json:"time" yaml:"time"`

	// Error summarises partial failures (e.g. teardown steps that failed).
	// +optional
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewInstanceEvent creates an event for inst stamped with the current time.
func NewInstanceEvent(typ EventType, inst Instance) InstanceEvent {
	return InstanceEvent{
		TypeMeta:   typeMeta(InstanceEventKind),
		Type:       typ,
		InstanceID: inst.ID,
		ImageID:    inst.ImageID,
		Name:       inst.Name,
		Time:       Now(),
	}
}
