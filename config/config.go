// Package config loads process parameters from flags and environment and the
// course document from YAML, validating everything at startup.
package config

import (
	"runtime"
	"time"

	"github.com/koding/multiconfig"
)

// Config defines the daemon configuration
type Config struct {
	// server
	HTTPAddr      string `flagUsage:"submission API binding address" default:":7710"`
	MonitorAddr   string `flagUsage:"metrics binding address" default:":7711"`
	EnableMetrics bool   `flagUsage:"enable prometheus metrics endpoint" default:"true"`

	// collaborators
	DSN        string `flagUsage:"mysql data source name" default:"complab:complab@tcp(localhost:3306)/complab?charset=utf8mb4&parseTime=True&loc=UTC"`
	RedisAddr  string `flagUsage:"redis address for queue wakeups (empty disables)"`
	DockerHost string `flagUsage:"docker daemon endpoint (empty uses environment)"`

	// course & storage
	CoursePath   string `flagUsage:"course document path" default:"course.yaml"`
	RepoCacheDir string `flagUsage:"directory for team repository mirrors" default:"repos"`
	WorkDir      string `flagUsage:"directory for per-task checkouts" default:"work"`

	// execution
	Parallelism      int           `flagUsage:"number of concurrent execution agents (default: number of cpu)"`
	PollInterval     time.Duration `flagUsage:"queue poll interval" default:"10s"`
	TasteInterval    time.Duration `flagUsage:"test tasting sweep interval" default:"1m"`
	FinalizeInterval time.Duration `flagUsage:"finalization sweep interval" default:"1m"`
	SandboxMemory    int64         `flagUsage:"container memory limit in bytes" default:"2147483648"`
	SandboxNanoCPUs  int64         `flagUsage:"container cpu limit in billionths of a core" default:"1000000000"`
	SandboxPids      int64         `flagUsage:"container pid limit" default:"256"`

	// logger
	Release bool `flagUsage:"release level of logs"`
	Silent  bool `flagUsage:"do not print logs"`

	// show version and exit
	Version bool `flagUsage:"show version and exit"`
}

// Load loads config from flags and environment variables
func (c *Config) Load() error {
	cl := multiconfig.MultiLoader(
		&multiconfig.TagLoader{},
		&multiconfig.EnvironmentLoader{
			Prefix:    "COMPLAB",
			CamelCase: true,
		},
		&multiconfig.FlagLoader{
			CamelCase: true,
			EnvPrefix: "COMPLAB",
		},
	)
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.NumCPU()
	}
	return cl.Load(c)
}
