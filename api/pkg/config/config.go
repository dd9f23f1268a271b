package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// SupervisorConfig configures the control-plane process.
type SupervisorConfig struct {
	Server     Server
	Workers    Workers
	Store      Store
	Reconciler Reconciler
}

type Server struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"8080"`
}

type Workers struct {
	// BasePort is both the first host port handed out by the port pool and
	// the fixed internal port every worker container listens on.
	BasePort  int    `envconfig:"WORKER_BASE_PORT" default:"4000" json:"base_port"`
	PortRange int    `envconfig:"WORKER_PORT_RANGE" default:"1000" json:"port_range"`
	Image     string `envconfig:"WORKER_IMAGE" default:"wa-worker:latest" json:"image"`
	Network   string `envconfig:"DOCKER_NETWORK" default:"wa-fleet" json:"network"`
	// SessionDataDir is the host directory holding one session dir per
	// account, bind-mounted into the matching worker.
	SessionDataDir string        `envconfig:"SESSION_DATA_DIR" default:"./data/sessions" json:"session_data_dir"`
	SpawnTimeout   time.Duration `envconfig:"WORKER_SPAWN_TIMEOUT" default:"60s" json:"spawn_timeout"`
	ProbeTimeout   time.Duration `envconfig:"WORKER_PROBE_TIMEOUT" default:"5s" json:"probe_timeout"`
	LoginRetries   int           `envconfig:"WORKER_LOGIN_RETRIES" default:"15" json:"login_retries"`
}

type Store struct {
	Path string `envconfig:"DB_PATH" default:"./data/fleet.db"`
}

type Reconciler struct {
	Interval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
}

func LoadSupervisorConfig() (SupervisorConfig, error) {
	var cfg SupervisorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return SupervisorConfig{}, err
	}
	return cfg, nil
}

// WorkerConfig configures one worker process, normally injected by the
// supervisor through the container environment.
type WorkerConfig struct {
	Port      int    `envconfig:"PORT" default:"4000"`
	AccountID string `envconfig:"ACCOUNT_ID"`

	SessionDataDir string `envconfig:"SESSION_DATA_DIR" default:"/app/wa-session"`

	// ChromePath overrides go-rod's browser discovery when set.
	ChromePath string `envconfig:"CHROME_PATH"`

	// LoginTimeout bounds how long POST /api/login blocks waiting for a QR
	// or pairing artifact before rejecting with a timeout.
	LoginTimeout time.Duration `envconfig:"LOGIN_TIMEOUT" default:"90s"`

	// DowngradeTimeout is the default window before an unconfirmed pairing
	// code falls back to a QR login, overridable per login request.
	DowngradeTimeout time.Duration `envconfig:"DOWNGRADE_TIMEOUT" default:"3m"`
}

func LoadWorkerConfig() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}
