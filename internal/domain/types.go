package domain

import (
	"maps"
	"slices"
	"time"
)

// PartID identifies a customizable region of the shoe (e.g. "laces").
type PartID string

// ColorID identifies a selectable color option (e.g. "navy").
type ColorID string

// Part is a named customizable region of the product.
type Part struct {
	ID          PartID
	Name        string
	DisplayName string
}

// ColorOption is a selectable color with its display value.
type ColorOption struct {
	ID   ColorID
	Hex  string
	Name string
}

// ColorRule lists the colors legal for a part. AllColors permits the whole catalog;
// otherwise Colors holds the allowed ids in preference order.
type ColorRule struct {
	AllColors bool
	Colors    []ColorID
}

// Clone returns a deep copy of the rule.
func (r ColorRule) Clone() ColorRule {
	return ColorRule{AllColors: r.AllColors, Colors: slices.Clone(r.Colors)}
}

// PartialMapping assigns colors to a subset of parts.
type PartialMapping map[PartID]ColorID

// Clone returns a copy of the mapping.
func (m PartialMapping) Clone() PartialMapping {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Parts returns the mapped part ids in sorted order.
func (m PartialMapping) Parts() []PartID {
	return slices.Sorted(maps.Keys(m))
}

// Assignment is the total part to color mapping of a session.
type Assignment map[PartID]ColorID

// Clone returns a copy of the assignment.
func (a Assignment) Clone() Assignment {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// GenerationMode reports whether a generated mapping redesigned every part or only some.
type GenerationMode string

const (
	// GenerationModeFull indicates every catalog part was assigned.
	GenerationModeFull GenerationMode = "full"
	// GenerationModePartial indicates only the parts mentioned by the request were assigned.
	GenerationModePartial GenerationMode = "partial"
)

// GenerationResult carries a validated mapping produced from a free-text request.
type GenerationResult struct {
	Mapping PartialMapping
	Mode    GenerationMode
	Latency time.Duration
}

// SelectionSnapshot is a read-only view of a customization store.
type SelectionSnapshot struct {
	CurrentPart  Part
	CurrentColor ColorOption
	Palette      []ColorOption
	Assignment   Assignment
}

// Session couples a selection snapshot with its lifecycle metadata.
type Session struct {
	ID        string
	Selection SelectionSnapshot
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// GenerationEvent describes the outcome of one generation attempt for analytics.
// The user's prompt is intentionally absent.
type GenerationEvent struct {
	EventID    string        `json:"eventId"`
	SessionID  string        `json:"sessionId"`
	Status     string        `json:"status"`
	Mode       string        `json:"mode,omitempty"`
	PartCount  int           `json:"partCount"`
	Latency    time.Duration `json:"latencyNs"`
	OccurredAt time.Time     `json:"occurredAt"`
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
	// ActiveSessions counts configurator sessions held in memory.
	ActiveSessions int
}
