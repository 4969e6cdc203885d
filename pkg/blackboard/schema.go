package blackboard

import "fmt"

// Redis key pattern helpers
//
// All Redis keys are namespaced by instance name to enable multiple Gaffer
// instances to safely coexist on a single Redis server.
//
// Key pattern: gaffer:{instance_name}:{entity}:{id}

// projectKeyRoot is the shared prefix of every project key in an instance.
// ProjectKey, ProjectKeyPrefix and the scan-result stripping in
// ListProjectIDs all derive from it so they cannot drift apart.
func projectKeyRoot(instanceName string) string {
	return fmt.Sprintf("gaffer:%s:project:", instanceName)
}

// ProjectKey returns the Redis key for a project hash.
// Pattern: gaffer:{instance_name}:project:{project_id}
func ProjectKey(instanceName, projectID string) string {
	return projectKeyRoot(instanceName) + projectID
}

// ChangeLogKey returns the Redis key for a project's append-only change log list.
// Pattern: gaffer:{instance_name}:changelog:{project_id}
func ChangeLogKey(instanceName, projectID string) string {
	return fmt.Sprintf("gaffer:%s:changelog:%s", instanceName, projectID)
}

// ProjectKeyPrefix returns the SCAN pattern matching every project in an instance.
func ProjectKeyPrefix(instanceName string) string {
	return projectKeyRoot(instanceName) + "*"
}

// LockKey returns the Redis key for a sub-resource lock.
// The lock key itself is free-form, e.g. "budget:{project_id}" or
// "shot:{project_id}:{shot_id}".
// Pattern: gaffer:{instance_name}:lock:{lock_key}
func LockKey(instanceName, lockKey string) string {
	return fmt.Sprintf("gaffer:%s:lock:%s", instanceName, lockKey)
}

// LockKeyPrefix returns the SCAN pattern matching every lock in an instance.
func LockKeyPrefix(instanceName string) string {
	return fmt.Sprintf("gaffer:%s:lock:*", instanceName)
}

// BudgetLockKey returns the conventional lock key protecting a project's
// budget arithmetic.
func BudgetLockKey(projectID string) string {
	return fmt.Sprintf("budget:%s", projectID)
}

// ShotLockKey returns the conventional lock key protecting a single shot.
func ShotLockKey(projectID, shotID string) string {
	return fmt.Sprintf("shot:%s:%s", projectID, shotID)
}

// TaskLockKey returns the conventional lock key protecting a task's status
// transition.
func TaskLockKey(projectID, taskID string) string {
	return fmt.Sprintf("task:%s:%s", projectID, taskID)
}
