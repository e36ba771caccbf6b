package app

import "fmt"

// Area is a circular geofence on the simulation plane.
type Area struct {
	X      float32
	Y      float32
	Radius float32
}

// Configured reports whether the area has ever been set to a valid geofence.
func (a Area) Configured() bool {
	return a.Radius > 0
}

func (a Area) String() string {
	return fmt.Sprintf("(%g,%g r=%g)", a.X, a.Y, a.Radius)
}

// Vehicle is one entry of a vehicles-in-zone subscription result. The bridge
// forwards it as received.
type Vehicle struct {
	ID    int32
	X     float32
	Y     float32
	Speed float32
}

// MessageStatus is the lifecycle state of an AppMessage in the registry.
type MessageStatus uint8

const (
	// StatusToBeScheduled marks a freshly generated message the control system
	// has not yet acknowledged.
	StatusToBeScheduled MessageStatus = iota
	// StatusToBeApplied marks a message the control system reported as delivered.
	// It is returned once more and then dropped from the registry.
	StatusToBeApplied
)

func (s MessageStatus) String() string {
	switch s {
	case StatusToBeScheduled:
		return "to_be_scheduled"
	case StatusToBeApplied:
		return "to_be_applied"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// AppMessage is an outbound application message tracked by the registry.
type AppMessage struct {
	MessageID       int32
	Status          MessageStatus
	SenderID        int32
	DestinationID   int32
	CreatedTimeStep int32
	PayloadValue    float32
}

// NotificationReport summarises one ProcessMessageNotifications call.
type NotificationReport struct {
	Matched   int
	Unmatched []int32
}
