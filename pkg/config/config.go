package config

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

// Config is the full runtime configuration. Every field has a usable
// default so an empty file yields a working single-node manager.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Controller  ControllerConfig  `yaml:"controller"`
	PortRange   PortRangeConfig   `yaml:"port_range"`
	SSE         SSEConfig         `yaml:"sse"`
	CloudEvents CloudEventsConfig `yaml:"cloudevents"`
	Leader      LeaderConfig      `yaml:"leader"`
	Retry       RetryConfig       `yaml:"retry"`
	Cloud       CloudConfig       `yaml:"cloud"`
	LabHost     LabHostConfig     `yaml:"lab_host"`
	Cluster     ClusterConfig     `yaml:"cluster"`

	// TemplateFile points at the worker template seed file; templates may
	// also be declared inline under worker_templates.
	TemplateFile    string           `yaml:"template_file"`
	WorkerTemplates []TemplateConfig `yaml:"worker_templates"`
}

type SchedulerConfig struct {
	Interval             time.Duration `yaml:"interval"`
	LeadTime             time.Duration `yaml:"lead_time"`
	InstantiationTimeout time.Duration `yaml:"instantiation_timeout"`
}

type ControllerConfig struct {
	Interval       time.Duration  `yaml:"interval"`
	ScaleDownGrace time.Duration  `yaml:"scale_down_grace"`
	MinWarm        map[string]int `yaml:"min_warm"`
	AuditRetention time.Duration  `yaml:"audit_retention"`
}

type PortRangeConfig struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

type SSEConfig struct {
	QueueDepth        int           `yaml:"queue_depth"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type CloudEventsConfig struct {
	SinkURL  string        `yaml:"sink_url"`
	Source   string        `yaml:"source"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

type LeaderConfig struct {
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
}

type CloudConfig struct {
	Region string `yaml:"region"`
	DryRun bool   `yaml:"dry_run"`
}

type LabHostConfig struct {
	Token string `yaml:"token"`
	Port  int    `yaml:"port"`
}

type ClusterConfig struct {
	NodeID    string `yaml:"node_id"`
	BindAddr  string `yaml:"bind_addr"`
	Bootstrap bool   `yaml:"bootstrap"`
	JoinAddr  string `yaml:"join_addr"`
}

// TemplateConfig mirrors one worker template seed entry.
type TemplateConfig struct {
	Name         string `yaml:"name"`
	InstanceType string `yaml:"instance_type"`
	Capacity     struct {
		CPUCores  int `yaml:"cpu_cores"`
		MemoryGB  int `yaml:"memory_gb"`
		StorageGB int `yaml:"storage_gb"`
		MaxNodes  int `yaml:"max_nodes"`
	} `yaml:"capacity"`
	LicenseType string   `yaml:"license_type"`
	AMIPattern  string   `yaml:"ami_pattern"`
	Regions     []string `yaml:"regions"`
	PortRange   struct {
		Start int `yaml:"start"`
		End   int `yaml:"end"`
	} `yaml:"port_range"`
	DrainTimeout time.Duration     `yaml:"drain_timeout"`
	Tags         map[string]string `yaml:"tags"`
}

// Default returns the configuration with every documented default filled.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/cmlcloudmgr",
		Scheduler: SchedulerConfig{
			Interval:             30 * time.Second,
			LeadTime:             35 * time.Minute,
			InstantiationTimeout: 10 * time.Minute,
		},
		Controller: ControllerConfig{
			Interval:       30 * time.Second,
			ScaleDownGrace: 30 * time.Minute,
			MinWarm:        map[string]int{},
			AuditRetention: 3 * 30 * 24 * time.Hour,
		},
		PortRange: PortRangeConfig{
			Start: types.DefaultPortRange.Lo,
			End:   types.DefaultPortRange.Hi,
		},
		SSE: SSEConfig{
			QueueDepth:        1024,
			HeartbeatInterval: 15 * time.Second,
		},
		CloudEvents: CloudEventsConfig{
			Source:   "cml-cloud-manager",
			DedupTTL: 24 * time.Hour,
		},
		Leader: LeaderConfig{
			LeaseTTL: 15 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			Base:        1 * time.Second,
			Cap:         30 * time.Second,
		},
		Cloud: CloudConfig{
			Region: "us-east-1",
		},
		LabHost: LabHostConfig{
			Port: 443,
		},
		Cluster: ClusterConfig{
			BindAddr: "127.0.0.1:7946",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing path
// returns the defaults untouched.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component could run with.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return errdefs.InvalidArgument("scheduler.interval must be positive")
	}
	if c.Controller.Interval <= 0 {
		return errdefs.InvalidArgument("controller.interval must be positive")
	}
	if c.Scheduler.InstantiationTimeout <= 0 {
		return errdefs.InvalidArgument("scheduler.instantiation_timeout must be positive")
	}
	if c.PortRange.Start < 1 || c.PortRange.End > 65535 || c.PortRange.Start > c.PortRange.End {
		return errdefs.InvalidArgument("port_range %d..%d is not a valid port interval", c.PortRange.Start, c.PortRange.End)
	}
	if c.SSE.QueueDepth <= 0 {
		return errdefs.InvalidArgument("sse.queue_depth must be positive")
	}
	if c.Leader.LeaseTTL <= 0 {
		return errdefs.InvalidArgument("leader.lease_ttl must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return errdefs.InvalidArgument("retry.max_attempts must be at least 1")
	}
	return nil
}

// DefaultPortRange converts the configured default range.
func (c *Config) DefaultPortRange() types.PortRange {
	return types.PortRange{Lo: c.PortRange.Start, Hi: c.PortRange.End}
}

// Templates resolves worker templates from the inline list plus the seed
// file, inline entries winning on name collisions.
func (c *Config) Templates(fs afero.Fs) ([]types.WorkerTemplate, error) {
	var entries []TemplateConfig
	if c.TemplateFile != "" {
		data, err := afero.ReadFile(fs, c.TemplateFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read template file %s: %w", c.TemplateFile, err)
		}
		var seed struct {
			WorkerTemplates []TemplateConfig `yaml:"worker_templates"`
		}
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("failed to parse template file %s: %w", c.TemplateFile, err)
		}
		entries = append(entries, seed.WorkerTemplates...)
	}
	entries = append(entries, c.WorkerTemplates...)

	byName := make(map[string]int)
	var templates []types.WorkerTemplate
	for _, e := range entries {
		tpl, err := e.toTemplate()
		if err != nil {
			return nil, err
		}
		if idx, dup := byName[tpl.Name]; dup {
			templates[idx] = tpl
			continue
		}
		byName[tpl.Name] = len(templates)
		templates = append(templates, tpl)
	}
	return templates, nil
}

func (e TemplateConfig) toTemplate() (types.WorkerTemplate, error) {
	if e.Name == "" {
		return types.WorkerTemplate{}, errdefs.InvalidArgument("worker template requires a name")
	}
	if e.InstanceType == "" {
		return types.WorkerTemplate{}, errdefs.InvalidArgument("worker template %s requires an instance_type", e.Name)
	}
	lic := types.LicenseType(e.LicenseType)
	switch lic {
	case types.LicensePersonal, types.LicenseEnterprise, types.LicenseEvaluation:
	default:
		return types.WorkerTemplate{}, errdefs.InvalidArgument("worker template %s: unknown license_type %q", e.Name, e.LicenseType)
	}
	tpl := types.WorkerTemplate{
		Name:         e.Name,
		InstanceType: e.InstanceType,
		Capacity: types.Capacity{
			CPU:       e.Capacity.CPUCores,
			MemoryGB:  e.Capacity.MemoryGB,
			StorageGB: e.Capacity.StorageGB,
			Nodes:     e.Capacity.MaxNodes,
		},
		LicenseType:  lic,
		AMIPattern:   e.AMIPattern,
		Regions:      e.Regions,
		PortRange:    types.PortRange{Lo: e.PortRange.Start, Hi: e.PortRange.End},
		DrainTimeout: e.DrainTimeout,
		DefaultTags:  e.Tags,
	}
	if tpl.DrainTimeout == 0 {
		tpl.DrainTimeout = 4 * time.Hour
	}
	if tpl.Capacity.IsZero() {
		return types.WorkerTemplate{}, errdefs.InvalidArgument("worker template %s declares no capacity", e.Name)
	}
	return tpl, nil
}
