// Package audit records the outcome of every networking action applied to
// a switch.
package audit

import (
	"time"
)

// Event is one applied (or failed) networking action.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Holder    string        `json:"holder,omitempty"`
	Switch    string        `json:"switch"`
	Port      string        `json:"port"`
	Operation string        `json:"operation"`
	Node      string        `json:"node,omitempty"`
	Nic       string        `json:"nic,omitempty"`
	Network   string        `json:"network,omitempty"`
	Channel   string        `json:"channel,omitempty"`
	VLAN      int           `json:"vlan,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Switch      string
	Port        string
	Operation   string
	Network     string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates an event for action id against sw/port.
func NewEvent(id, sw, port, operation string) *Event {
	return &Event{
		ID:        id,
		Timestamp: time.Now(),
		Switch:    sw,
		Port:      port,
		Operation: operation,
	}
}

// WithTarget records the nic and network the action touched.
func (e *Event) WithTarget(node, nic, network, channel string, vlan int) *Event {
	e.Node = node
	e.Nic = nic
	e.Network = network
	e.Channel = channel
	e.VLAN = vlan
	return e
}

// WithHolder records which process applied the action.
func (e *Event) WithHolder(holder string) *Event {
	e.Holder = holder
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// Matches reports whether e satisfies every criterion of f.
func (f Filter) Matches(e *Event) bool {
	if f.Switch != "" && e.Switch != f.Switch {
		return false
	}
	if f.Port != "" && e.Port != f.Port {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.Network != "" && e.Network != f.Network {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	if f.SuccessOnly && !e.Success {
		return false
	}
	if f.FailureOnly && e.Success {
		return false
	}
	return true
}

// page applies Offset and Limit.
func (f Filter) page(events []*Event) []*Event {
	if f.Offset > 0 {
		if f.Offset >= len(events) {
			return []*Event{}
		}
		events = events[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(events) {
		events = events[:f.Limit]
	}
	return events
}
