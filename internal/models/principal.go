package models

import "slices"

// Principal roles.
const (
	RoleRead  = "read"
	RoleAdmin = "admin"
)

// Principal is the authenticated caller handed over by the transport layer.
// A nil QueueAllowlist means unrestricted.
type Principal struct {
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	SSE            bool     `json:"sse"`
	QueueAllowlist []string `json:"queue_allowlist"`
}

// Restricted reports whether the principal is scoped to a queue allowlist.
func (p Principal) Restricted() bool {
	return p.QueueAllowlist != nil
}

// AllowsQueue reports whether the principal may act on queue.
func (p Principal) AllowsQueue(queue string) bool {
	if !p.Restricted() {
		return true
	}
	return slices.Contains(p.QueueAllowlist, queue)
}

// Scope resolves the queues visible for an optional explicit queue filter.
// A nil slice means every queue. ok is false when queue is outside the allowlist.
func (p Principal) Scope(queue string) (queues []string, ok bool) {
	if queue != "" {
		if !p.AllowsQueue(queue) {
			return nil, false
		}
		return []string{queue}, true
	}
	if p.Restricted() {
		return slices.Clone(p.QueueAllowlist), true
	}
	return nil, true
}

// IsAdmin reports whether the principal may mutate jobs and schedules.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// SystemPrincipal is used by internal producers such as the schedule tick engine.
func SystemPrincipal(allowlist []string) Principal {
	return Principal{Name: "system", Role: RoleAdmin, QueueAllowlist: allowlist}
}
