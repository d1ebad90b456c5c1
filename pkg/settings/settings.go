// Package settings manages the vtepsync configuration file.
package settings

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/transact"
)

// Settings holds the daemon configuration: where intent and confirmed state
// live, which gateways to drive, and the engine tuning knobs.
type Settings struct {
	Intent    RedisSettings   `yaml:"intent"`
	Confirmed RedisSettings   `yaml:"confirmed"`
	Nodes     []NodeSettings  `yaml:"nodes"`
	Engine    EngineSettings  `yaml:"engine"`
	Metrics   MetricsSettings `yaml:"metrics,omitempty"`
	Audit     AuditSettings   `yaml:"audit,omitempty"`
	LogLevel  string          `yaml:"log_level,omitempty"`
	LogJSON   bool            `yaml:"log_json,omitempty"`
}

// RedisSettings addresses one Redis database.
type RedisSettings struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// NodeSettings describes one gateway and how to reach its device database.
type NodeSettings struct {
	Name   string        `yaml:"name"`
	Device RedisSettings `yaml:"device"`
	SSH    *SSHSettings  `yaml:"ssh,omitempty"`
}

// SSHSettings routes the device connection through an SSH tunnel. The
// device address is then dialed from the gateway itself.
type SSHSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
}

// EngineSettings mirrors transact.Config in file form.
type EngineSettings struct {
	ScanInterval      time.Duration `yaml:"scan_interval,omitempty"`
	JobTTL            time.Duration `yaml:"job_ttl,omitempty"`
	QueueCapacity     int           `yaml:"queue_capacity,omitempty"`
	LSDeleteRetries   int           `yaml:"ls_delete_retries,omitempty"`
	LSDeleteDelay     time.Duration `yaml:"ls_delete_delay,omitempty"`
	IntentReadTimeout time.Duration `yaml:"intent_read_timeout,omitempty"`
	Debounce          time.Duration `yaml:"debounce,omitempty"`
	SuperviseInterval time.Duration `yaml:"supervise_interval,omitempty"`
}

// MetricsSettings controls the Prometheus endpoint. An empty Addr disables it.
type MetricsSettings struct {
	Addr string `yaml:"addr,omitempty"`
}

// AuditSettings controls the audit trail. An empty Path disables it.
type AuditSettings struct {
	Path       string `yaml:"path,omitempty"`
	MaxSize    int64  `yaml:"max_size,omitempty"` // bytes before rotation
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

const (
	DefaultIntentDB          = 4
	DefaultConfirmedDB       = 6
	DefaultDeviceDB          = 1
	DefaultDebounce          = 100 * time.Millisecond
	DefaultSuperviseInterval = 10 * time.Second
	DefaultAuditMaxSize      = 10 * 1024 * 1024 // 10MB
	DefaultAuditMaxBackups   = 10
)

// DefaultSettingsPath is the default location for the configuration file.
var DefaultSettingsPath = filepath.Join(os.Getenv("HOME"), ".vtepsync", "config.yaml")

// Load reads settings from the default location.
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath)
}

// LoadFrom reads settings from a specific path. A missing file yields the
// defaults.
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.ApplyDefaults()
			return s, nil
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	s.ApplyDefaults()
	return s, nil
}

// Save writes settings to the default location.
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath)
}

// SaveTo writes settings to a specific path.
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	// The file may carry SSH passwords.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset fields. Engine fields left at zero are filled by
// transact.DefaultConfig when the engine starts.
func (s *Settings) ApplyDefaults() {
	if s.Intent.Addr == "" {
		s.Intent.Addr = "localhost:6379"
	}
	if s.Intent.DB == 0 {
		s.Intent.DB = DefaultIntentDB
	}
	if s.Confirmed.Addr == "" {
		s.Confirmed.Addr = s.Intent.Addr
	}
	if s.Confirmed.DB == 0 {
		s.Confirmed.DB = DefaultConfirmedDB
	}
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.Device.DB == 0 {
			n.Device.DB = DefaultDeviceDB
		}
		if n.Device.Addr == "" {
			n.Device.Addr = "127.0.0.1:6379"
		}
	}
	if s.Engine.Debounce == 0 {
		s.Engine.Debounce = DefaultDebounce
	}
	if s.Engine.SuperviseInterval == 0 {
		s.Engine.SuperviseInterval = DefaultSuperviseInterval
	}
	if s.Audit.Path != "" && s.Audit.MaxSize == 0 {
		s.Audit.MaxSize = DefaultAuditMaxSize
		if s.Audit.MaxBackups == 0 {
			s.Audit.MaxBackups = DefaultAuditMaxBackups
		}
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

// Validate checks the settings for values the daemon cannot run with.
func (s *Settings) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(validAddr(s.Intent.Addr), fmt.Sprintf("intent.addr %q is not host:port", s.Intent.Addr))
	v.Add(validAddr(s.Confirmed.Addr), fmt.Sprintf("confirmed.addr %q is not host:port", s.Confirmed.Addr))
	v.Add(s.Intent.Addr != s.Confirmed.Addr || s.Intent.DB != s.Confirmed.DB,
		"intent and confirmed state must not share a database")

	seen := make(map[string]bool)
	for i, n := range s.Nodes {
		if n.Name == "" {
			v.AddErrorf("nodes[%d]: name is required", i)
			continue
		}
		if seen[n.Name] {
			v.AddErrorf("node %s: defined twice", n.Name)
		}
		seen[n.Name] = true
		v.Add(validAddr(n.Device.Addr), fmt.Sprintf("node %s: device.addr %q is not host:port", n.Name, n.Device.Addr))
		if n.SSH != nil {
			v.Add(n.SSH.Host != "", fmt.Sprintf("node %s: ssh.host is required", n.Name))
			v.Add(n.SSH.User != "", fmt.Sprintf("node %s: ssh.user is required", n.Name))
			v.Add(n.SSH.Port >= 0 && n.SSH.Port <= 65535, fmt.Sprintf("node %s: ssh.port %d out of range", n.Name, n.SSH.Port))
		}
	}

	e := s.Engine
	v.Add(e.ScanInterval >= 0, "engine.scan_interval must not be negative")
	v.Add(e.JobTTL >= 0, "engine.job_ttl must not be negative")
	v.Add(e.QueueCapacity >= 0, "engine.queue_capacity must not be negative")
	v.Add(e.LSDeleteRetries >= 0, "engine.ls_delete_retries must not be negative")
	if e.ScanInterval > 0 && e.JobTTL > 0 {
		v.Add(e.ScanInterval < e.JobTTL, "engine.scan_interval must be shorter than engine.job_ttl")
	}
	v.Add(s.Audit.MaxSize >= 0 && s.Audit.MaxBackups >= 0, "audit.max_size and audit.max_backups must not be negative")
	if s.Metrics.Addr != "" {
		v.Add(validAddr(s.Metrics.Addr), fmt.Sprintf("metrics.addr %q is not host:port", s.Metrics.Addr))
	}
	return v.Build()
}

// Node returns the settings of the named gateway.
func (s *Settings) Node(name string) (*NodeSettings, error) {
	for i := range s.Nodes {
		if s.Nodes[i].Name == name {
			return &s.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", util.ErrUnknownNode, name)
}

// NodeNames returns the configured gateway names, sorted.
func (s *Settings) NodeNames() []string {
	names := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names
}

// EngineConfig converts the engine settings into the engine's Config.
func (s *Settings) EngineConfig() transact.Config {
	return transact.Config{
		ScanInterval:      s.Engine.ScanInterval,
		JobTTL:            s.Engine.JobTTL,
		QueueCapacity:     s.Engine.QueueCapacity,
		LSDeleteRetries:   s.Engine.LSDeleteRetries,
		LSDeleteDelay:     s.Engine.LSDeleteDelay,
		IntentReadTimeout: s.Engine.IntentReadTimeout,
	}
}

// validAddr reports whether addr is host:port with a usable port. IP hosts
// must parse; other hosts are treated as names.
func validAddr(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.ContainsAny(host, ":") && !util.IsValidIP(host) {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p <= 65535
}
