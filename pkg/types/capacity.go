package types

import "fmt"

// Capacity is a resource vector shared by worker capacity accounting and
// definition requirements. Nodes counts simulated lab nodes, not VMs.
type Capacity struct {
	CPU       int `json:"cpu" yaml:"cpu_cores"`
	MemoryGB  int `json:"memory_gb" yaml:"memory_gb"`
	StorageGB int `json:"storage_gb" yaml:"storage_gb"`
	Nodes     int `json:"nodes" yaml:"max_nodes"`
}

// Add returns c + other componentwise.
func (c Capacity) Add(other Capacity) Capacity {
	return Capacity{
		CPU:       c.CPU + other.CPU,
		MemoryGB:  c.MemoryGB + other.MemoryGB,
		StorageGB: c.StorageGB + other.StorageGB,
		Nodes:     c.Nodes + other.Nodes,
	}
}

// Sub returns c - other componentwise, floored at zero so a double release
// can never drive accounting negative.
func (c Capacity) Sub(other Capacity) Capacity {
	return Capacity{
		CPU:       max(0, c.CPU-other.CPU),
		MemoryGB:  max(0, c.MemoryGB-other.MemoryGB),
		StorageGB: max(0, c.StorageGB-other.StorageGB),
		Nodes:     max(0, c.Nodes-other.Nodes),
	}
}

// LTE reports whether c <= other componentwise.
func (c Capacity) LTE(other Capacity) bool {
	return c.CPU <= other.CPU &&
		c.MemoryGB <= other.MemoryGB &&
		c.StorageGB <= other.StorageGB &&
		c.Nodes <= other.Nodes
}

// IsZero reports whether every component is zero.
func (c Capacity) IsZero() bool {
	return c == Capacity{}
}

func (c Capacity) String() string {
	return fmt.Sprintf("cpu=%d mem=%dGB disk=%dGB nodes=%d", c.CPU, c.MemoryGB, c.StorageGB, c.Nodes)
}
