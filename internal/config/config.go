// Package config loads service configuration from a YAML file or the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/senseyeio/duration"

	"github.com/drfirst/go-pathsync/internal/domain/coding"
)

// Event sinks.
const (
	SinkLog    = "log"
	SinkKafka  = "kafka"
	SinkOutbox = "outbox"
)

type Config struct {
	Service        Service           `yaml:"service" json:"service"`
	Admin          Admin             `yaml:"admin" json:"admin"`
	Scheduler      Scheduler         `yaml:"scheduler" json:"scheduler"`
	Workers        Workers           `yaml:"workers" json:"workers"`
	DecisionEngine DecisionEngine    `yaml:"decisionEngine" json:"decisionEngine"`
	Repository     Repository        `yaml:"repository" json:"repository"`
	ConflictCheck  ConflictCheck     `yaml:"conflictCheck" json:"conflictCheck"`
	HTTP           HTTP              `yaml:"http" json:"http"`
	Breaker        Breaker           `yaml:"breaker" json:"breaker"`
	Ledger         Ledger            `yaml:"ledger" json:"ledger"`
	Lease          Lease             `yaml:"lease" json:"lease"`
	Database       Database          `yaml:"database" json:"database"`
	Kafka          Kafka             `yaml:"kafka" json:"kafka"`
	Tracing        Tracing           `yaml:"tracing" json:"tracing"`
	Logging        Logging           `yaml:"logging" json:"logging"`
	Rules          Rules             `yaml:"rules" json:"rules"`
	CodingSystems  map[string]string `yaml:"codingSystems" json:"codingSystems"` // engine prefix -> repository system URI
}

type Service struct {
	Name        string `yaml:"name" json:"name" env:"SERVICE_NAME" env-default:"pathsync-reconciler"`
	Environment string `yaml:"environment" json:"environment" env:"SERVICE_ENVIRONMENT" env-default:"development"`
	Version     string `yaml:"version" json:"version" env:"SERVICE_VERSION" env-default:"dev"`
	NodeID      int64  `yaml:"nodeId" json:"nodeId" env:"SERVICE_NODE_ID" env-default:"1"` // snowflake node for tick ids
}

type Admin struct {
	Addr        string   `yaml:"addr" json:"addr" env:"ADMIN_ADDR" env-default:":8080"`
	APIKeys     []string `yaml:"apiKeys" json:"-" env:"ADMIN_API_KEYS"`
	CORSOrigins []string `yaml:"corsOrigins" json:"corsOrigins" env:"ADMIN_CORS_ORIGINS"`
}

type Scheduler struct {
	Interval           time.Duration `yaml:"interval" json:"interval" env:"SCHEDULER_INTERVAL" env-default:"10s"`
	PatientTimeout     time.Duration `yaml:"patientTimeout" json:"patientTimeout" env:"SCHEDULER_PATIENT_TIMEOUT" env-default:"2m"`
	MaxIterations      int           `yaml:"maxIterations" json:"maxIterations" env:"SCHEDULER_MAX_ITERATIONS" env-default:"200"`
	MaxSubPathwayDepth int           `yaml:"maxSubPathwayDepth" json:"maxSubPathwayDepth" env:"SCHEDULER_MAX_SUBPATHWAY_DEPTH" env-default:"4"`
}

type Workers struct {
	Count           int           `yaml:"count" json:"count" env:"WORKERS_COUNT" env-default:"8"`
	QueueSize       int           `yaml:"queueSize" json:"queueSize" env:"WORKERS_QUEUE_SIZE" env-default:"256"`
	MaxRetries      int           `yaml:"maxRetries" json:"maxRetries" env:"WORKERS_MAX_RETRIES" env-default:"0"`
	RetryDelay      time.Duration `yaml:"retryDelay" json:"retryDelay" env:"WORKERS_RETRY_DELAY" env-default:"1s"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout" env:"WORKERS_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

type DecisionEngine struct {
	BaseURL          string        `yaml:"baseURL" json:"baseURL" env:"DECISION_ENGINE_BASE_URL" env-default:"http://localhost:8081/tenant"`
	APIKey           string        `yaml:"apiKey" json:"-" env:"DECISION_ENGINE_API_KEY"`
	MetaPathway      string        `yaml:"metaPathway" json:"metaPathway" env:"DECISION_ENGINE_META_PATHWAY" env-default:"project_ph_meta_guideline"`
	PathwayCacheTTL  time.Duration `yaml:"pathwayCacheTTL" json:"pathwayCacheTTL" env:"DECISION_ENGINE_PATHWAY_CACHE_TTL" env-default:"5m"`
	PathwayCacheSize int           `yaml:"pathwayCacheSize" json:"pathwayCacheSize" env:"DECISION_ENGINE_PATHWAY_CACHE_SIZE" env-default:"64"`
}

type Repository struct {
	BaseURL string `yaml:"baseURL" json:"baseURL" env:"REPOSITORY_BASE_URL" env-default:"http://localhost:8082/baseR4"`
}

type ConflictCheck struct {
	BaseURL string `yaml:"baseURL" json:"baseURL" env:"CONFLICT_CHECK_BASE_URL" env-default:"http://localhost:8083"`
	Enabled bool   `yaml:"enabled" json:"enabled" env:"CONFLICT_CHECK_ENABLED" env-default:"true"`
}

type HTTP struct {
	CallTimeout time.Duration `yaml:"callTimeout" json:"callTimeout" env:"HTTP_CALL_TIMEOUT" env-default:"15s"`
	Retry       Retry         `yaml:"retry" json:"retry"`
}

type Retry struct {
	MaxTries        uint          `yaml:"maxTries" json:"maxTries" env:"HTTP_RETRY_MAX_TRIES" env-default:"3"`
	InitialInterval time.Duration `yaml:"initialInterval" json:"initialInterval" env:"HTTP_RETRY_INITIAL_INTERVAL" env-default:"200ms"`
	MaxInterval     time.Duration `yaml:"maxInterval" json:"maxInterval" env:"HTTP_RETRY_MAX_INTERVAL" env-default:"2s"`
	MaxElapsed      time.Duration `yaml:"maxElapsed" json:"maxElapsed" env:"HTTP_RETRY_MAX_ELAPSED" env-default:"30s"`
}

type Breaker struct {
	FailureThreshold uint32        `yaml:"failureThreshold" json:"failureThreshold" env:"BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout" env:"BREAKER_TIMEOUT" env-default:"30s"`
	Interval         time.Duration `yaml:"interval" json:"interval" env:"BREAKER_INTERVAL" env-default:"60s"`
}

type Ledger struct {
	MaxFailures     int           `yaml:"maxFailures" json:"maxFailures" env:"LEDGER_MAX_FAILURES" env-default:"5"`
	TTL             time.Duration `yaml:"ttl" json:"ttl" env:"LEDGER_TTL" env-default:"24h"`
	CleanupInterval time.Duration `yaml:"cleanupInterval" json:"cleanupInterval" env:"LEDGER_CLEANUP_INTERVAL" env-default:"1h"`
}

type Lease struct {
	RedisURL string        `yaml:"redisURL" json:"-" env:"LEASE_REDIS_URL"` // empty selects the in-process lease
	TTL      time.Duration `yaml:"ttl" json:"ttl" env:"LEASE_TTL" env-default:"5m"`
}

type Database struct {
	URL string `yaml:"url" json:"-" env:"DATABASE_URL"` // empty selects the in-memory ledger
}

type Kafka struct {
	Brokers      []string `yaml:"brokers" json:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	EventSink    string   `yaml:"eventSink" json:"eventSink" env:"KAFKA_EVENT_SINK" env-default:"log"`
	RequestTopic string   `yaml:"requestTopic" json:"requestTopic" env:"KAFKA_REQUEST_TOPIC" env-default:"reconcile.requests"`
	EventTopic   string   `yaml:"eventTopic" json:"eventTopic" env:"KAFKA_EVENT_TOPIC" env-default:"reconcile.events"`
	GroupID      string   `yaml:"groupID" json:"groupID" env:"KAFKA_GROUP_ID" env-default:"pathsync-reconciler"`
	Consume      bool     `yaml:"consume" json:"consume" env:"KAFKA_CONSUME" env-default:"false"`
}

type Tracing struct {
	Enabled    bool    `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED" env-default:"false"`
	Endpoint   string  `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT" env-default:"localhost:4317"`
	SampleRate float64 `yaml:"sampleRate" json:"sampleRate" env:"TRACING_SAMPLE_RATE" env-default:"1.0"`
}

type Logging struct {
	Level       string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info"`
	Development bool   `yaml:"development" json:"development" env:"LOG_DEVELOPMENT" env-default:"false"`
}

type Rules struct {
	DayWindow string `yaml:"dayWindow" json:"dayWindow" env:"RULES_DAY_WINDOW" env-default:"P1D"` // ISO-8601
}

// Window parses the rule window.
func (r Rules) Window() (duration.Duration, error) {
	return duration.ParseISO8601(r.DayWindow)
}

func (c Config) defaults() Config {
	if len(c.CodingSystems) == 0 {
		c.CodingSystems = coding.DefaultSystems()
	}
	return c
}

// Validate checks required endpoints and positive bounds.
func (c Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{
		"decisionEngine.baseURL": c.DecisionEngine.BaseURL,
		"repository.baseURL":     c.Repository.BaseURL,
	} {
		if err := validURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.ConflictCheck.Enabled {
		if err := validURL(c.ConflictCheck.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("conflictCheck.baseURL: %w", err))
		}
	}
	if c.DecisionEngine.MetaPathway == "" {
		errs = append(errs, errors.New("decisionEngine.metaPathway is required"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.MaxIterations <= 0 {
		errs = append(errs, errors.New("scheduler.maxIterations must be positive"))
	}
	if c.Scheduler.MaxSubPathwayDepth < 0 {
		errs = append(errs, errors.New("scheduler.maxSubPathwayDepth must not be negative"))
	}
	if c.Workers.Count <= 0 || c.Workers.QueueSize <= 0 {
		errs = append(errs, errors.New("workers.count and workers.queueSize must be positive"))
	}
	if c.HTTP.CallTimeout <= 0 {
		errs = append(errs, errors.New("http.callTimeout must be positive"))
	}
	if c.HTTP.Retry.MaxTries == 0 {
		errs = append(errs, errors.New("http.retry.maxTries must be positive"))
	}
	if c.Ledger.MaxFailures <= 0 {
		errs = append(errs, errors.New("ledger.maxFailures must be positive"))
	}
	switch c.Kafka.EventSink {
	case SinkLog, SinkKafka:
	case SinkOutbox:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("kafka.eventSink=outbox requires database.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("kafka.eventSink: unknown sink %q", c.Kafka.EventSink))
	}
	if _, err := c.Rules.Window(); err != nil {
		errs = append(errs, fmt.Errorf("rules.dayWindow: %w", err))
	}
	return errors.Join(errs...)
}

func validURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}

// Load reads CONFIG_FILE (default ./conf.yaml) when it exists, otherwise the environment.
func Load() (Config, error) {
	fileName := os.Getenv("CONFIG_FILE")
	if fileName == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, err
		}
		fileName = filepath.Join(wd, "conf.yaml")
	}
	return LoadFile(fileName)
}

// LoadFile reads the given YAML file, falling back to the environment when it does not exist.
func LoadFile(fileName string) (Config, error) {
	c := Config{}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read configuration: %w", err)
	}
	c = c.defaults()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}
