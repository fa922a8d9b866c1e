package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Store        StoreConfig
	Scheduler    SchedulerConfig
	Scraper      ScraperConfig
	Proxy        ProxyConfig
	S3           S3Config
	RedisURL     string
	HTTPAddr     string
	LogPath      string
	LogMaxBytes  int64
	LockPath     string
	Marketplaces map[string]*MarketplaceConfig
}

type StoreConfig struct {
	Driver      string // postgres, sqlite or memory
	DatabaseURL string
	DBPath      string
}

type SchedulerConfig struct {
	Cron             string
	Interval         time.Duration
	Tick             time.Duration
	BatchSize        int
	MaxConcurrent    int
	ClaimTTL         time.Duration
	WatchdogInterval time.Duration
	CommandPoll      time.Duration
}

type ScraperConfig struct {
	Fetcher        string // browser, http or fake
	Marketplace    string
	FetchTimeout   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	PermanentDelay time.Duration
	PersistRetries int
	PersistDelay   time.Duration
	Headless       bool
	BrowserDataDir string
}

type ProxyConfig struct {
	URL string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type MarketplaceConfig struct {
	ID                string    `yaml:"id"`
	Name              string    `yaml:"name"`
	BaseURL           string    `yaml:"base_url"`
	SearchURL         string    `yaml:"search_url"`
	LocationSuffix    string    `yaml:"location_suffix"`
	MaxPages          int       `yaml:"max_pages"`
	RateLimitMS       int       `yaml:"rate_limit_ms"`
	Currency          string    `yaml:"currency"`
	PermanentStatuses []int     `yaml:"permanent_statuses"`
	Selectors         Selectors `yaml:"selectors"`
}

type Selectors struct {
	Card           string `yaml:"card"`
	ExternalIDAttr string `yaml:"external_id_attr"`
	ExternalIDExpr string `yaml:"external_id_pattern"` // applied to the listing URL
	Title          string `yaml:"title"`
	Price          string `yaml:"price"`
	Location       string `yaml:"location"`
	Posted         string `yaml:"posted"`
	Link           string `yaml:"link"`
	Image          string `yaml:"image"`
	Description    string `yaml:"description"`
	Condition      string `yaml:"condition"`
	Seller         string `yaml:"seller"`
	NextPage       string `yaml:"next_page"`
}

var defaultPermanentStatuses = []int{400, 403, 404, 410, 422}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Store: StoreConfig{
			Driver:      getEnv("STORE", "sqlite"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			DBPath:      getEnv("DB_PATH", "buysmart.db"),
		},
		Scheduler: SchedulerConfig{
			Cron:             os.Getenv("SCRAPE_CRON"),
			Interval:         getEnvDuration("SCRAPE_INTERVAL", 6*time.Hour),
			Tick:             getEnvDuration("SCHEDULER_TICK", time.Minute),
			BatchSize:        getEnvInt("SCHEDULER_BATCH_SIZE", 50),
			MaxConcurrent:    getEnvInt("MAX_CONCURRENT_JOBS", 5),
			ClaimTTL:         getEnvDuration("CLAIM_TTL", 15*time.Minute),
			WatchdogInterval: getEnvDuration("WATCHDOG_INTERVAL", time.Minute),
			CommandPoll:      getEnvDuration("COMMAND_POLL_INTERVAL", 2*time.Second),
		},
		Scraper: ScraperConfig{
			Fetcher:        getEnv("FETCHER", "browser"),
			Marketplace:    getEnv("MARKETPLACE", "olx_in"),
			FetchTimeout:   getEnvDuration("FETCH_TIMEOUT", 2*time.Minute),
			BackoffBase:    getEnvDuration("BACKOFF_BASE", 5*time.Minute),
			BackoffMax:     getEnvDuration("BACKOFF_MAX", 6*time.Hour),
			PermanentDelay: getEnvDuration("PERMANENT_FAILURE_DELAY", 7*24*time.Hour),
			PersistRetries: getEnvInt("PERSIST_RETRIES", 3),
			PersistDelay:   getEnvDuration("PERSIST_RETRY_DELAY", 200*time.Millisecond),
			Headless:       getEnv("BROWSER_HEADLESS", "true") == "true",
			BrowserDataDir: getEnv("BROWSER_DATA_DIR", "browser_data"),
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		RedisURL:     os.Getenv("REDIS_URL"),
		HTTPAddr:     ":" + getEnv("HTTP_PORT", "8080"),
		LogPath:      getEnv("LOG_PATH", "daemon.log"),
		LogMaxBytes:  int64(getEnvInt("LOG_MAX_BYTES", 2*1024*1024)),
		LockPath:     getEnv("LOCK_PATH", "buysmart.lock"),
		Marketplaces: make(map[string]*MarketplaceConfig),
	}

	if err := cfg.loadMarketplaceConfigs(getEnv("MARKETPLACE_CONFIG_DIR", "config/marketplaces")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=postgres")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown STORE %q", c.Store.Driver)
	}

	switch c.Scraper.Fetcher {
	case "browser", "http", "fake":
	default:
		return fmt.Errorf("unknown FETCHER %q", c.Scraper.Fetcher)
	}

	if c.Scheduler.Cron == "" && c.Scheduler.Tick <= 0 {
		return fmt.Errorf("either SCRAPE_CRON or SCHEDULER_TICK must be set")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCRAPE_INTERVAL must be positive")
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("SCHEDULER_BATCH_SIZE must be at least 1")
	}
	if c.Scraper.BackoffBase <= 0 || c.Scraper.BackoffMax < c.Scraper.BackoffBase {
		return fmt.Errorf("BACKOFF_BASE must be positive and not above BACKOFF_MAX")
	}
	if c.Scraper.PermanentDelay < c.Scraper.BackoffMax {
		return fmt.Errorf("PERMANENT_FAILURE_DELAY must not be below BACKOFF_MAX")
	}
	// A claim must outlive the longest legitimate job or the watchdog reaps it.
	if c.Scheduler.ClaimTTL <= c.Scraper.FetchTimeout {
		return fmt.Errorf("CLAIM_TTL (%s) must exceed FETCH_TIMEOUT (%s)", c.Scheduler.ClaimTTL, c.Scraper.FetchTimeout)
	}
	if c.Scraper.PersistRetries < 1 {
		return fmt.Errorf("PERSIST_RETRIES must be at least 1")
	}
	return nil
}

// Marketplace returns the configured marketplace definition.
func (c *Config) Marketplace() (*MarketplaceConfig, error) {
	mp, ok := c.Marketplaces[c.Scraper.Marketplace]
	if !ok {
		return nil, fmt.Errorf("unknown marketplace: %s", c.Scraper.Marketplace)
	}
	return mp, nil
}

func (c *Config) loadMarketplaceConfigs(configDir string) error {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		mp, err := ParseMarketplace(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		c.Marketplaces[mp.ID] = mp
	}

	return nil
}

// ParseMarketplace decodes one marketplace YAML document and fills defaults.
func ParseMarketplace(data []byte) (*MarketplaceConfig, error) {
	var mp MarketplaceConfig
	if err := yaml.Unmarshal(data, &mp); err != nil {
		return nil, err
	}
	if mp.ID == "" {
		return nil, fmt.Errorf("marketplace id is required")
	}
	if mp.SearchURL == "" || mp.Selectors.Card == "" {
		return nil, fmt.Errorf("marketplace %s: search_url and selectors.card are required", mp.ID)
	}
	if mp.MaxPages <= 0 {
		mp.MaxPages = 1
	}
	if len(mp.PermanentStatuses) == 0 {
		mp.PermanentStatuses = defaultPermanentStatuses
	}
	return &mp, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
