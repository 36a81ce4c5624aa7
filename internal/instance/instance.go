// Package instance tracks worker instances and their free capacity.
package instance

import (
	"sync"
	"time"

	"batchdriver/pkg/circuitbreaker"
)

// State is the lifecycle state of a worker instance.
type State string

const (
	Active   State = "active"
	Inactive State = "inactive"
	Deleted  State = "deleted"
)

// Record is the persisted form of an instance.
type Record struct {
	Name               string `json:"name"`
	IPAddress          string `json:"ip_address"`
	State              State  `json:"state"`
	TotalCoresMcpu     int64  `json:"total_cores_mcpu"`
	FreeCoresMcpu      int64  `json:"free_cores_mcpu"`
	FailedRequestCount int    `json:"failed_request_count"`
}

// Instance is a worker VM known to the driver. Free capacity and state are
// only changed through the owning Pool.
type Instance struct {
	Name           string
	TotalCoresMcpu int64

	mu        sync.RWMutex
	ipAddress string
	state     State
	free      int64
	breaker   *circuitbreaker.Breaker
}

func newInstance(rec Record, cfg circuitbreaker.Config) *Instance {
	return &Instance{
		Name:           rec.Name,
		TotalCoresMcpu: rec.TotalCoresMcpu,
		ipAddress:      rec.IPAddress,
		state:          rec.State,
		free:           rec.FreeCoresMcpu,
		breaker:        circuitbreaker.New(cfg),
	}
}

// IPAddress returns the address workers are reached at.
func (i *Instance) IPAddress() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ipAddress
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// FreeCoresMcpu returns the unreserved capacity.
func (i *Instance) FreeCoresMcpu() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.free
}

// MarkHealthy records a successful request to the instance.
func (i *Instance) MarkHealthy() {
	i.breaker.RecordSuccess()
}

// RecordFailedRequest records a failed request to the instance.
func (i *Instance) RecordFailedRequest() {
	i.breaker.RecordFailure()
}

// FailedRequestCount is the number of consecutive failed requests.
func (i *Instance) FailedRequestCount() int {
	return i.breaker.Failures()
}

// LastHealthy returns when a request last succeeded.
func (i *Instance) LastHealthy() time.Time {
	return i.breaker.LastHealthy()
}

// Reachable reports whether requests should currently be sent to the instance.
func (i *Instance) Reachable() bool {
	return i.breaker.Available()
}

// Record returns a point-in-time copy of the instance.
func (i *Instance) Record() Record {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return Record{
		Name:               i.Name,
		IPAddress:          i.ipAddress,
		State:              i.state,
		TotalCoresMcpu:     i.TotalCoresMcpu,
		FreeCoresMcpu:      i.free,
		FailedRequestCount: i.breaker.Failures(),
	}
}

func (i *Instance) String() string {
	return "instance " + i.Name
}
