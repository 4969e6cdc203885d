package eventbus

import "fmt"

// Redis key pattern helpers
//
// The event log is one stream per instance, so a single XADD order covers
// every project. A per-event index hash supports causation resolution and
// chain walking without scanning the stream.

// StreamKey returns the Redis key for the instance event stream.
// Pattern: gaffer:{instance_name}:events
func StreamKey(instanceName string) string {
	return fmt.Sprintf("gaffer:%s:events", instanceName)
}

// EventIndexKey returns the Redis key for an event's index hash.
// Pattern: gaffer:{instance_name}:event:{event_id}
func EventIndexKey(instanceName, eventID string) string {
	return fmt.Sprintf("gaffer:%s:event:%s", instanceName, eventID)
}
