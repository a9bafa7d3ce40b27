package types

import (
	"time"
)

// LicenseType identifies a lab-host license class
type LicenseType string

const (
	LicensePersonal   LicenseType = "PERSONAL"
	LicenseEnterprise LicenseType = "ENTERPRISE"
	LicenseEvaluation LicenseType = "EVALUATION"
)

// PortKind tags what a port placeholder is used for
type PortKind string

const (
	PortKindConsole PortKind = "CONSOLE"
	PortKindVNC     PortKind = "VNC"
	PortKindSSH     PortKind = "SSH"
	PortKindOther   PortKind = "OTHER"
)

// PortPlaceholder is a named slot in a lab topology that is bound to a
// concrete port per instance. Order matters: allocation is first-fit over
// the template order.
type PortPlaceholder struct {
	Name string   `json:"name" yaml:"name"`
	Kind PortKind `json:"kind" yaml:"kind"`
}

// PortRange is an inclusive range of allocatable ports
type PortRange struct {
	Lo int `json:"lo" yaml:"start"`
	Hi int `json:"hi" yaml:"end"`
}

// DefaultPortRange applies when neither template nor worker declares one.
var DefaultPortRange = PortRange{Lo: 2000, Hi: 9999}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.Hi < r.Lo {
		return 0
	}
	return r.Hi - r.Lo + 1
}

// Contains reports whether p lies in the range.
func (r PortRange) Contains(p int) bool {
	return p >= r.Lo && p <= r.Hi
}

// IsZero reports whether the range is unset.
func (r PortRange) IsZero() bool {
	return r == PortRange{}
}

// WorkerTemplate seeds workers of one shape. Loaded from the template seed
// file at startup; never mutated at runtime.
type WorkerTemplate struct {
	Name         string            `json:"name" yaml:"name"`
	InstanceType string            `json:"instance_type" yaml:"instance_type"`
	Capacity     Capacity          `json:"capacity" yaml:"capacity"`
	LicenseType  LicenseType       `json:"license_type" yaml:"license_type"`
	AMIPattern   string            `json:"ami_pattern" yaml:"ami_pattern"`
	Regions      []string          `json:"regions" yaml:"regions"`
	PortRange    PortRange         `json:"port_range" yaml:"port_range"`
	DrainTimeout time.Duration     `json:"drain_timeout" yaml:"drain_timeout"`
	DefaultTags  map[string]string `json:"default_tags" yaml:"tags"`
}

// ServesRegion reports whether the template can create workers in region.
func (t *WorkerTemplate) ServesRegion(region string) bool {
	for _, r := range t.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// EffectivePortRange resolves the range with template > worker > default
// precedence; the worker range is passed by the caller.
func (t *WorkerTemplate) EffectivePortRange(workerRange PortRange) PortRange {
	if !t.PortRange.IsZero() {
		return t.PortRange
	}
	if !workerRange.IsZero() {
		return workerRange
	}
	return DefaultPortRange
}
