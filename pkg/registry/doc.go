// Package registry tracks the worker instance fleet: registration,
// draining, heartbeat load reports and the capability index the router
// consults. In-memory state is mirrored to the store so a restarted
// control plane resumes with the last known fleet.
package registry
