package mqtt

import "fmt"

// Topic prefixes for the Locker Core MQTT hierarchy.
//
// Site topics carry the kiosk id so one broker can serve several
// installations: lockercore/{kiosk_id}/...
const (
	// TopicPrefix is the base for all Locker Core topics.
	TopicPrefix = "lockercore"

	// TopicPrefixSystem is the base for controller-level system topics.
	TopicPrefixSystem = "lockercore/system"
)

// Topics provides builders for Locker Core MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.LockerState("gym-1", 17)
//	// Returns: "lockercore/gym-1/locker/17/state"
type Topics struct{}

// LockerState returns the retained per-locker state topic.
//
// Example: lockercore/gym-1/locker/17/state
func (Topics) LockerState(kioskID string, lockerID int) string {
	return fmt.Sprintf("%s/%s/locker/%d/state", TopicPrefix, kioskID, lockerID)
}

// Event returns the topic for a locker lifecycle event type.
//
// Example: lockercore/gym-1/event/ownership_confirmed
func (Topics) Event(kioskID, eventType string) string {
	return fmt.Sprintf("%s/%s/event/%s", TopicPrefix, kioskID, eventType)
}

// Command returns the topic on which remote systems enqueue commands
// for a kiosk.
//
// Example: lockercore/gym-1/command
func (Topics) Command(kioskID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefix, kioskID)
}

// BusHealth returns the topic for relay bus health status.
//
// Example: lockercore/gym-1/bus/health
func (Topics) BusHealth(kioskID string) string {
	return fmt.Sprintf("%s/%s/bus/health", TopicPrefix, kioskID)
}

// SystemStatus returns the controller status topic (also the LWT topic).
//
// Example: lockercore/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllLockerStates returns a pattern matching every locker state topic
// for a kiosk.
//
// Pattern: lockercore/gym-1/locker/+/state
func (Topics) AllLockerStates(kioskID string) string {
	return fmt.Sprintf("%s/%s/locker/+/state", TopicPrefix, kioskID)
}

// AllEvents returns a pattern matching every event topic for a kiosk.
//
// Pattern: lockercore/gym-1/event/+
func (Topics) AllEvents(kioskID string) string {
	return fmt.Sprintf("%s/%s/event/+", TopicPrefix, kioskID)
}

// AllTopics returns a pattern matching all Locker Core topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: lockercore/#
func (Topics) AllTopics() string {
	return "lockercore/#"
}
