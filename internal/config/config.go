// Package config holds the product-ingest service configuration.
package config

import (
	"fmt"
	"time"

	infraconfig "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/config"
	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/profiling"
	infraredis "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/redis"
)

// Default service configuration values.
const (
	defaultServiceName    = "product-ingest"
	defaultServiceVersion = "1.0.0"
	defaultServicePort    = 8095
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
)

// Default database configuration values.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"

	defaultDBDriver        = DriverPostgres
	defaultDBHost          = "localhost"
	defaultDBPort          = 5432
	defaultDBUser          = "postgres"
	defaultDBName          = "product_ingest"
	defaultDBSSLMode       = "disable"
	defaultDBMaxConns      = 25
	defaultDBMaxIdleConns  = 5
	defaultDBConnLifetimeH = 1
	defaultSQLitePath      = "product-ingest.db"
)

// Default model capability values.
const (
	defaultModelName             = "claude-sonnet-4-5"
	defaultModelTimeout          = 60 * time.Second
	defaultClassifyMaxTokens     = 10
	defaultExtractMaxTokens      = 4096
	defaultBreakerFailures       = 5
	defaultBreakerOpenFor        = 30 * time.Second
	defaultProductThreshold      = 3
	defaultRejectBelow           = 2
	defaultClassifyMaxChars      = 2000
	defaultExtractMaxChars       = 8000
	defaultCacheTTL              = 24 * time.Hour
	defaultFallbackConfidence    = 0.5
	defaultHeuristicMaxConfident = 0.95
)

// Default crawl, export and ingest values.
const (
	defaultCrawlMaxDepth       = 3
	defaultCrawlParallelism    = 4
	defaultCrawlDelay          = 500 * time.Millisecond
	defaultCrawlRandomDelay    = 250 * time.Millisecond
	defaultCrawlRequestTimeout = 30 * time.Second
	defaultCrawlUserAgent      = "Mozilla/5.0 (compatible; product-ingest/1.0)"
	defaultExportPageSize      = 250
	defaultExportTimeout       = 30 * time.Second
	defaultExportMaxAttempts   = 3
	defaultIngestWorkers       = 4
	defaultIngestMaxPages      = 50
	defaultProgressInterval    = 2 * time.Second
)

// Default publish values.
const (
	defaultPublishMaxAttempts    = 4
	defaultPublishInitialBackoff = 500 * time.Millisecond
	defaultPublishMaxBackoff     = 10 * time.Second
	defaultPublishConcurrency    = 4
	defaultVariantBatchSize      = 50
	// DefaultMinInterval spaces calls to one destination account.
	DefaultMinInterval           = 550 * time.Millisecond
	defaultShopifyAPIVersion     = "2025-01"
	defaultDestinationTimeout    = 30 * time.Second
)

// Config holds the application configuration.
type Config struct {
	Service      ServiceConfig       `yaml:"service"`
	Database     DatabaseConfig      `yaml:"database"`
	Auth         AuthConfig          `yaml:"auth"`
	Logging      LoggingConfig       `yaml:"logging"`
	Redis        infraredis.Config   `yaml:"redis"`
	Profiling    profiling.Config    `yaml:"profiling"`
	Model        ModelConfig         `yaml:"model"`
	Classifier   ClassifierConfig    `yaml:"classifier"`
	Crawler      CrawlerConfig       `yaml:"crawler"`
	Exporter     ExporterConfig      `yaml:"exporter"`
	Ingest       IngestConfig        `yaml:"ingest"`
	Publisher    PublisherConfig     `yaml:"publisher"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Schedules    []ScheduleConfig    `yaml:"schedules"`
}

// ServiceConfig holds service identity and runtime settings.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Port    int    `env:"PRODUCT_INGEST_PORT" yaml:"port"`
	Debug   bool   `env:"APP_DEBUG"           yaml:"debug"`

	// CORSOrigins lists browser origins allowed to call the API; empty allows any.
	CORSOrigins []string `env:"PRODUCT_INGEST_CORS_ORIGINS" yaml:"cors_origins"`
	// Zero timeouts fall back to the HTTP server defaults.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig selects the store. Postgres uses the connection fields;
// sqlite3 uses Path.
type DatabaseConfig struct {
	Driver                string        `env:"DATABASE_DRIVER"                  yaml:"driver"`
	Host                  string        `env:"POSTGRES_PRODUCT_INGEST_HOST"     yaml:"host"`
	Port                  int           `env:"POSTGRES_PRODUCT_INGEST_PORT"     yaml:"port"`
	User                  string        `env:"POSTGRES_PRODUCT_INGEST_USER"     yaml:"user"`
	Password              string        `env:"POSTGRES_PRODUCT_INGEST_PASSWORD" yaml:"password"`
	Database              string        `env:"POSTGRES_PRODUCT_INGEST_DB"       yaml:"database"`
	SSLMode               string        `yaml:"sslmode"`
	Path                  string        `env:"SQLITE_PATH"                      yaml:"path"`
	MaxConnections        int           `yaml:"max_connections"`
	MaxIdleConns          int           `yaml:"max_idle_connections"`
	ConnectionMaxLifetime time.Duration `yaml:"connection_max_lifetime"`
	MigrateOnStart        bool          `env:"DATABASE_MIGRATE_ON_START"        yaml:"migrate_on_start"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"  yaml:"level"`
	Format string `env:"LOG_FORMAT" yaml:"format"`
}

// ModelConfig configures the classification and extraction model.
type ModelConfig struct {
	APIKey            string        `env:"ANTHROPIC_API_KEY"  yaml:"api_key"`
	BaseURL           string        `env:"ANTHROPIC_BASE_URL" yaml:"base_url"`
	Model             string        `env:"MODEL_NAME"         yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	ClassifyMaxTokens int           `yaml:"classify_max_tokens"`
	ExtractMaxTokens  int           `yaml:"extract_max_tokens"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerOpenFor    time.Duration `yaml:"breaker_open_for"`
}

// ClassifierConfig tunes the heuristic thresholds and the decision cache.
type ClassifierConfig struct {
	ProductThreshold   int           `yaml:"product_threshold"`
	RejectBelow        int           `yaml:"reject_below"`
	ClassifyMaxChars   int           `yaml:"classify_max_chars"`
	ExtractMaxChars    int           `yaml:"extract_max_chars"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	FallbackConfidence float64       `yaml:"fallback_confidence"`
	MaxConfidence      float64       `yaml:"max_confidence"`
}

// CrawlerConfig configures the generic crawler.
type CrawlerConfig struct {
	MaxDepth        int           `yaml:"max_depth"`
	Parallelism     int           `yaml:"parallelism"`
	Delay           time.Duration `yaml:"delay"`
	RandomDelay     time.Duration `yaml:"random_delay"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	UserAgent       string        `env:"CRAWLER_USER_AGENT" yaml:"user_agent"`
	IgnoreRobotsTxt bool          `yaml:"ignore_robots_txt"`
	ExcludePatterns []string      `yaml:"exclude_patterns"`
	ListingPatterns []string      `yaml:"listing_patterns"`
}

// ExporterConfig configures the platform-native exporter.
type ExporterConfig struct {
	PageSize       int           `yaml:"page_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// IngestConfig configures job execution.
type IngestConfig struct {
	Workers          int           `env:"INGEST_WORKERS" yaml:"workers"`
	DefaultMaxPages  int           `yaml:"default_max_pages"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// PublisherConfig configures retries and fan-out for publishing.
type PublisherConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	Concurrency      int           `yaml:"concurrency"`
	VariantBatchSize int           `yaml:"variant_batch_size"`
}

// DestinationConfig describes one destination store.
type DestinationConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	ShopDomain  string `yaml:"shop_domain"`
	AccessToken string `yaml:"access_token"`
	APIVersion  string `yaml:"api_version"`
	// Account groups destinations sharing one API budget. Defaults to ShopDomain.
	Account        string        `yaml:"account"`
	MinInterval    time.Duration `yaml:"min_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ScheduleConfig submits an ingestion job on a cron schedule.
type ScheduleConfig struct {
	Name               string `yaml:"name"`
	Cron               string `yaml:"cron"`
	URL                string `yaml:"url"`
	Kind               string `yaml:"kind"`
	MaxPages           int    `yaml:"max_pages"`
	MergeAcrossSources bool   `yaml:"merge_across_sources"`
}

// Load loads configuration from a YAML file, applies defaults, then env overrides.
func Load(path string) (*Config, error) {
	cfg, loadErr := infraconfig.LoadWithDefaults(path, setDefaults)
	if loadErr != nil {
		return nil, fmt.Errorf("load config: %w", loadErr)
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := infraconfig.ValidatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if err := infraconfig.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := infraconfig.ValidateLogFormat(c.Logging.Format); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := infraconfig.ValidatePositive("ingest.workers", c.Ingest.Workers); err != nil {
		return err
	}
	if c.Classifier.RejectBelow > c.Classifier.ProductThreshold {
		return &infraconfig.ValidationError{
			Field:   "classifier.reject_below",
			Message: "must not exceed classifier.product_threshold",
		}
	}

	seen := make(map[string]bool, len(c.Destinations))
	for i := range c.Destinations {
		d := &c.Destinations[i]
		field := fmt.Sprintf("destinations[%d]", i)
		if err := infraconfig.ValidateRequired(field+".name", d.Name); err != nil {
			return err
		}
		if seen[d.Name] {
			return &infraconfig.ValidationError{Field: field + ".name", Message: "must be unique"}
		}
		seen[d.Name] = true
		if err := infraconfig.ValidateOneOf(field+".kind", d.Kind, "shopify"); err != nil {
			return err
		}
		if err := infraconfig.ValidateRequired(field+".shop_domain", d.ShopDomain); err != nil {
			return err
		}
	}

	for i := range c.Schedules {
		s := &c.Schedules[i]
		field := fmt.Sprintf("schedules[%d]", i)
		if err := infraconfig.ValidateRequired(field+".cron", s.Cron); err != nil {
			return err
		}
		if err := infraconfig.ValidateHTTPURL(field+".url", s.URL); err != nil {
			return err
		}
		if err := infraconfig.ValidateOneOf(field+".kind", s.Kind, "crawl", "export"); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if err := infraconfig.ValidateOneOf("database.driver", c.Database.Driver, DriverPostgres, DriverSQLite); err != nil {
		return err
	}
	if c.Database.Driver == DriverSQLite {
		return infraconfig.ValidateRequired("database.path", c.Database.Path)
	}
	if err := infraconfig.ValidateRequired("database.host", c.Database.Host); err != nil {
		return err
	}
	return infraconfig.ValidateRequired("database.database", c.Database.Database)
}

// Destination returns the named destination.
func (c *Config) Destination(name string) (DestinationConfig, bool) {
	for _, d := range c.Destinations {
		if d.Name == name {
			return d, true
		}
	}
	return DestinationConfig{}, false
}

// setDefaults applies default values to all configuration sections.
func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setDatabaseDefaults(&cfg.Database)
	setLoggingDefaults(&cfg.Logging)
	setModelDefaults(&cfg.Model)
	setClassifierDefaults(&cfg.Classifier)
	setCrawlerDefaults(&cfg.Crawler)
	setExporterDefaults(&cfg.Exporter)
	setIngestDefaults(&cfg.Ingest)
	setPublisherDefaults(&cfg.Publisher)
	for i := range cfg.Destinations {
		setDestinationDefaults(&cfg.Destinations[i])
	}
	for i := range cfg.Schedules {
		if cfg.Schedules[i].Kind == "" {
			cfg.Schedules[i].Kind = "crawl"
		}
	}
}

func setServiceDefaults(s *ServiceConfig) {
	if s.Name == "" {
		s.Name = defaultServiceName
	}
	if s.Version == "" {
		s.Version = defaultServiceVersion
	}
	if s.Port == 0 {
		s.Port = defaultServicePort
	}
}

func setDatabaseDefaults(d *DatabaseConfig) {
	if d.Driver == "" {
		d.Driver = defaultDBDriver
	}
	if d.Driver == DriverSQLite && d.Path == "" {
		d.Path = defaultSQLitePath
	}
	if d.Host == "" {
		d.Host = defaultDBHost
	}
	if d.Port == 0 {
		d.Port = defaultDBPort
	}
	if d.User == "" {
		d.User = defaultDBUser
	}
	if d.Database == "" {
		d.Database = defaultDBName
	}
	if d.SSLMode == "" {
		d.SSLMode = defaultDBSSLMode
	}
	if d.MaxConnections == 0 {
		d.MaxConnections = defaultDBMaxConns
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = defaultDBMaxIdleConns
	}
	if d.ConnectionMaxLifetime == 0 {
		d.ConnectionMaxLifetime = defaultDBConnLifetimeH * time.Hour
	}
}

func setLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if l.Format == "" {
		l.Format = defaultLogFormat
	}
}

func setModelDefaults(m *ModelConfig) {
	if m.Model == "" {
		m.Model = defaultModelName
	}
	if m.Timeout == 0 {
		m.Timeout = defaultModelTimeout
	}
	if m.ClassifyMaxTokens == 0 {
		m.ClassifyMaxTokens = defaultClassifyMaxTokens
	}
	if m.ExtractMaxTokens == 0 {
		m.ExtractMaxTokens = defaultExtractMaxTokens
	}
	if m.BreakerFailures == 0 {
		m.BreakerFailures = defaultBreakerFailures
	}
	if m.BreakerOpenFor == 0 {
		m.BreakerOpenFor = defaultBreakerOpenFor
	}
}

func setClassifierDefaults(c *ClassifierConfig) {
	if c.ProductThreshold == 0 {
		c.ProductThreshold = defaultProductThreshold
	}
	if c.RejectBelow == 0 {
		c.RejectBelow = defaultRejectBelow
	}
	if c.ClassifyMaxChars == 0 {
		c.ClassifyMaxChars = defaultClassifyMaxChars
	}
	if c.ExtractMaxChars == 0 {
		c.ExtractMaxChars = defaultExtractMaxChars
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.FallbackConfidence == 0 {
		c.FallbackConfidence = defaultFallbackConfidence
	}
	if c.MaxConfidence == 0 {
		c.MaxConfidence = defaultHeuristicMaxConfident
	}
}

func setCrawlerDefaults(c *CrawlerConfig) {
	if c.MaxDepth == 0 {
		c.MaxDepth = defaultCrawlMaxDepth
	}
	if c.Parallelism == 0 {
		c.Parallelism = defaultCrawlParallelism
	}
	if c.Delay == 0 {
		c.Delay = defaultCrawlDelay
	}
	if c.RandomDelay == 0 {
		c.RandomDelay = defaultCrawlRandomDelay
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultCrawlRequestTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultCrawlUserAgent
	}
	if len(c.ExcludePatterns) == 0 {
		c.ExcludePatterns = DefaultExcludePatterns()
	}
	if len(c.ListingPatterns) == 0 {
		c.ListingPatterns = DefaultListingPatterns()
	}
}

func setExporterDefaults(e *ExporterConfig) {
	if e.PageSize == 0 {
		e.PageSize = defaultExportPageSize
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = defaultExportTimeout
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = defaultExportMaxAttempts
	}
}

func setIngestDefaults(i *IngestConfig) {
	if i.Workers == 0 {
		i.Workers = defaultIngestWorkers
	}
	if i.DefaultMaxPages == 0 {
		i.DefaultMaxPages = defaultIngestMaxPages
	}
	if i.ProgressInterval == 0 {
		i.ProgressInterval = defaultProgressInterval
	}
}

func setPublisherDefaults(p *PublisherConfig) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultPublishMaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = defaultPublishInitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = defaultPublishMaxBackoff
	}
	if p.Concurrency == 0 {
		p.Concurrency = defaultPublishConcurrency
	}
	if p.VariantBatchSize == 0 {
		p.VariantBatchSize = defaultVariantBatchSize
	}
}

func setDestinationDefaults(d *DestinationConfig) {
	if d.Kind == "" {
		d.Kind = "shopify"
	}
	if d.APIVersion == "" {
		d.APIVersion = defaultShopifyAPIVersion
	}
	if d.Account == "" {
		d.Account = d.ShopDomain
	}
	if d.MinInterval == 0 {
		d.MinInterval = DefaultMinInterval
	}
	if d.RequestTimeout == 0 {
		d.RequestTimeout = defaultDestinationTimeout
	}
}

// DefaultExcludePatterns returns path patterns the crawler never fetches.
func DefaultExcludePatterns() []string {
	return []string{`/cart`, `/checkout`, `/account`, `/login`, `/wishlist`}
}

// DefaultListingPatterns returns path patterns fetched for link discovery
// but never emitted as pages.
func DefaultListingPatterns() []string {
	return []string{`/collections?/?$`, `/collections/[^/]+/?$`, `/category/`, `/search`, `/blogs?/`}
}
