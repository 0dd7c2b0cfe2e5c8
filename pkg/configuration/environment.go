package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/taskflow/pkg/logging"
	"github.com/iota-uz/taskflow/pkg/outbox"
)

const Production = "production"

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

// LoadEnv loads the env files that exist in the working directory. When none
// do, it retries next to the nearest go.mod above the working directory.
func LoadEnv(envFiles []string) (int, error) {
	existing := existingFiles("", envFiles)
	if len(existing) == 0 {
		if root := moduleRoot(); root != "" {
			existing = existingFiles(root, envFiles)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

func existingFiles(dir string, envFiles []string) []string {
	out := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		path := file
		if dir != "" {
			path = filepath.Join(dir, file)
		}
		if fs.FileExists(path) {
			out = append(out, path)
		}
	}
	return out
}

func moduleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if fs.FileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"taskflow"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable pool_max_conns=%d",
		d.Host, d.Port, d.User, d.Name, d.Password, d.MaxConns,
	)
}

type LogOptions struct {
	// Path enables the JSON file logger when set.
	Path string `env:"LOG_PATH" envDefault:""`
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"taskflow"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type OutboxOptions struct {
	StoreBackend string `env:"OUTBOX_STORE_BACKEND" envDefault:"postgres"` // postgres or memory
	LockBackend  string `env:"OUTBOX_LOCK_BACKEND" envDefault:"postgres"`  // postgres, redis or memory

	DispatchEnabled     bool          `env:"OUTBOX_DISPATCH_ENABLED" envDefault:"true"`
	DispatchInterval    time.Duration `env:"OUTBOX_DISPATCH_INTERVAL" envDefault:"5s"`
	BatchSize           int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	LockTTL             time.Duration `env:"OUTBOX_LOCK_TTL" envDefault:"60s"`
	MaxAttempts         int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`
	MinBackoff          time.Duration `env:"OUTBOX_MIN_BACKOFF" envDefault:"1s"`
	MaxBackoff          time.Duration `env:"OUTBOX_MAX_BACKOFF" envDefault:"5m"`
	JitterMax           time.Duration `env:"OUTBOX_JITTER_MAX" envDefault:"200ms"`
	HandlerTimeout      time.Duration `env:"OUTBOX_HANDLER_TIMEOUT" envDefault:"30s"`
	SerializeAggregates bool          `env:"OUTBOX_SERIALIZE_AGGREGATES" envDefault:"false"`

	LastErrorMaxBytes int `env:"OUTBOX_LAST_ERROR_MAX_BYTES" envDefault:"2048"`

	CleanupEnabled      bool          `env:"OUTBOX_CLEANUP_ENABLED" envDefault:"true"`
	CleanupInterval     time.Duration `env:"OUTBOX_CLEANUP_INTERVAL" envDefault:"24h"`
	CleanupLockTTL      time.Duration `env:"OUTBOX_CLEANUP_LOCK_TTL" envDefault:"10m"`
	RetentionDays       int           `env:"OUTBOX_RETENTION_DAYS" envDefault:"30"`
	CleanupBatchSize    int           `env:"OUTBOX_CLEANUP_BATCH_SIZE" envDefault:"100"`
	PreserveDeadLetters bool          `env:"OUTBOX_PRESERVE_DEAD_LETTERS" envDefault:"true"`

	StuckAfter      time.Duration `env:"OUTBOX_STUCK_AFTER" envDefault:"5m"`
	PendingWarning  int64         `env:"OUTBOX_HEALTH_PENDING_WARNING" envDefault:"100"`
	PendingCritical int64         `env:"OUTBOX_HEALTH_PENDING_CRITICAL" envDefault:"1000"`
	DeadWarning     int64         `env:"OUTBOX_HEALTH_DEAD_WARNING" envDefault:"1"`
	DeadCritical    int64         `env:"OUTBOX_HEALTH_DEAD_CRITICAL" envDefault:"50"`
	StuckWarning    int64         `env:"OUTBOX_HEALTH_STUCK_WARNING" envDefault:"1"`
	StuckCritical   int64         `env:"OUTBOX_HEALTH_STUCK_CRITICAL" envDefault:"10"`
}

// Validate checks backend names and the numeric knobs that have no safe fallback.
func (o *OutboxOptions) Validate() error {
	o.StoreBackend = strings.ToLower(strings.TrimSpace(o.StoreBackend))
	o.LockBackend = strings.ToLower(strings.TrimSpace(o.LockBackend))

	switch o.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("invalid OUTBOX_STORE_BACKEND=%q (expected postgres|memory)", o.StoreBackend)
	}
	switch o.LockBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid OUTBOX_LOCK_BACKEND=%q (expected postgres|redis|memory)", o.LockBackend)
	}
	if o.StoreBackend == BackendMemory && o.LockBackend == BackendPostgres {
		return fmt.Errorf("OUTBOX_LOCK_BACKEND=postgres requires OUTBOX_STORE_BACKEND=postgres")
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1, got %d", o.MaxAttempts)
	}
	if o.RetentionDays < 1 {
		return fmt.Errorf("OUTBOX_RETENTION_DAYS must be at least 1, got %d", o.RetentionDays)
	}
	if o.MaxBackoff < o.MinBackoff {
		return fmt.Errorf("OUTBOX_MAX_BACKOFF (%s) is below OUTBOX_MIN_BACKOFF (%s)", o.MaxBackoff, o.MinBackoff)
	}
	if o.LockTTL <= o.HandlerTimeout {
		return fmt.Errorf("OUTBOX_LOCK_TTL (%s) must exceed OUTBOX_HANDLER_TIMEOUT (%s)", o.LockTTL, o.HandlerTimeout)
	}
	if o.StuckAfter < o.LockTTL {
		return fmt.Errorf("OUTBOX_STUCK_AFTER (%s) is below OUTBOX_LOCK_TTL (%s)", o.StuckAfter, o.LockTTL)
	}
	return nil
}

func (o OutboxOptions) Dispatcher() outbox.DispatcherOptions {
	return outbox.DispatcherOptions{
		BatchSize:           o.BatchSize,
		LockTTL:             o.LockTTL,
		MaxAttempts:         o.MaxAttempts,
		MinBackoff:          o.MinBackoff,
		MaxBackoff:          o.MaxBackoff,
		JitterMax:           o.JitterMax,
		LastErrorMaxLen:     o.LastErrorMaxBytes,
		HandlerTimeout:      o.HandlerTimeout,
		SerializeAggregates: o.SerializeAggregates,
		StuckAfter:          o.StuckAfter,
	}
}

func (o OutboxOptions) Cleanup() outbox.CleanupOptions {
	return outbox.CleanupOptions{
		RetentionDays:     o.RetentionDays,
		BatchSize:         o.CleanupBatchSize,
		DeleteDeadLetters: !o.PreserveDeadLetters,
	}
}

func (o OutboxOptions) Cleaner() outbox.CleanerOptions {
	return outbox.CleanerOptions{LockTTL: o.CleanupLockTTL}
}

func (o OutboxOptions) Monitor() outbox.MonitorOptions {
	return outbox.MonitorOptions{
		MaxAttempts:       o.MaxAttempts,
		ProcessingTimeout: o.StuckAfter,
		Thresholds: outbox.HealthThresholds{
			PendingWarning:  o.PendingWarning,
			PendingCritical: o.PendingCritical,
			DeadWarning:     o.DeadWarning,
			DeadCritical:    o.DeadCritical,
			StuckWarning:    o.StuckWarning,
			StuckCritical:   o.StuckCritical,
		},
	}
}

// Intervals returns the scheduler intervals; a disabled job gets -1.
func (o OutboxOptions) Intervals() (dispatch, cleanup time.Duration) {
	dispatch, cleanup = o.DispatchInterval, o.CleanupInterval
	if !o.DispatchEnabled {
		dispatch = -1
	}
	if !o.CleanupEnabled {
		cleanup = -1
	}
	return dispatch, cleanup
}

type Configuration struct {
	Database      DatabaseOptions
	Log           LogOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	Outbox        OutboxOptions

	RedisURL         string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	// Incoming requests carrying this header keep their id, others get a new uuid.
	RequestIDHeader string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`
	// TasksRedisEnabled keeps task statistics and the sync queue in Redis
	// instead of process memory.
	TasksRedisEnabled bool `env:"TASKS_REDIS_ENABLED" envDefault:"false"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 && len(envFiles) > 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}
	if err := c.Outbox.Validate(); err != nil {
		return fmt.Errorf("outbox configuration error: %w", err)
	}

	if c.Log.Path != "" {
		f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.Log.Path)
		if err != nil {
			return err
		}
		c.logFile = f
		c.logger = logger
	} else {
		c.logger = logging.ConsoleLogger(c.LogrusLogLevel())
	}

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	return nil
}

// Unload closes the log file, if any.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
