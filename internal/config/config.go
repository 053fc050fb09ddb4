package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	DBDSN          string `envconfig:"DB_DSN" required:"true"`
	Port           string `envconfig:"PORT" default:"8080"`
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	MigrateOnStart bool   `envconfig:"MIGRATE_ON_START" default:"false"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"20"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"2"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`

	// dispatch queue
	MaxQueueSize int           `envconfig:"MAX_QUEUE_SIZE" default:"100"`
	QueueTimeout time.Duration `envconfig:"QUEUE_TIMEOUT" default:"5m"`

	// per-account pacing and rolling-window caps
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"10"`
	DailyCap           int           `envconfig:"DAILY_CAP" default:"1000"`
	PacingMin          time.Duration `envconfig:"PACING_MIN" default:"3s"`
	PacingMax          time.Duration `envconfig:"PACING_MAX" default:"8s"`
	RedisURL           string        `envconfig:"REDIS_URL"` // empty keeps counters in memory

	// connection supervisor
	PairingTTL            time.Duration `envconfig:"PAIRING_TTL" default:"2m"`
	ReconnectDelay        time.Duration `envconfig:"RECONNECT_DELAY" default:"5s"`
	BackoffInitial        time.Duration `envconfig:"BACKOFF_INITIAL" default:"2s"`
	BackoffMax            time.Duration `envconfig:"BACKOFF_MAX" default:"2m"`
	BackoffMaxAttempts    int           `envconfig:"BACKOFF_MAX_ATTEMPTS" default:"8"`
	DialTimeout           time.Duration `envconfig:"DIAL_TIMEOUT" default:"30s"`
	SendTimeout           time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	RestoreOnStart        bool          `envconfig:"RESTORE_ON_START" default:"true"`
	GatewayURL            string        `envconfig:"GATEWAY_URL" default:"ws://localhost:3000/sessions"`
	GatewayToken          string        `envconfig:"GATEWAY_TOKEN"`
	GatewayRequestTimeout time.Duration `envconfig:"GATEWAY_REQUEST_TIMEOUT" default:"30s"`

	// periodic duties
	HealthInterval    time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"15s"`
	SchedulerBatch    int           `envconfig:"SCHEDULER_BATCH" default:"50"`
	SchedulerWorkers  int           `envconfig:"SCHEDULER_WORKERS" default:"4"`
	SendingStaleAfter time.Duration `envconfig:"SENDING_STALE_AFTER" default:"10m"`

	BroadcastPageSize   int           `envconfig:"BROADCAST_PAGE_SIZE" default:"50"`
	BroadcastRetryDelay time.Duration `envconfig:"BROADCAST_RETRY_DELAY" default:"30s"`

	// hosted provider
	CloudBaseURL     string  `envconfig:"CLOUD_API_BASE_URL" default:"https://graph.facebook.com/v19.0"`
	CloudRPS         float64 `envconfig:"CLOUD_API_RPS_PER_POD" default:"20"`
	CloudBurst       int     `envconfig:"CLOUD_API_BURST" default:"40"`
	CloudAppSecret   string  `envconfig:"CLOUD_API_APP_SECRET"`
	CloudVerifyToken string  `envconfig:"CLOUD_API_VERIFY_TOKEN"`

	// hosted event fan-out; no queue URL logs events instead
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	SQSGroupBuckets    int    `envconfig:"SQS_GROUP_BUCKETS" default:"256"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type EventProcessorConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Port        string `envconfig:"PORT" default:"8081"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"20"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"2"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`

	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"10"`
}

type MigrateConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

type MockCloudConfig struct {
	Port        string `envconfig:"PORT" default:"8090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	AccessToken string `envconfig:"MOCK_ACCESS_TOKEN" default:"mock-token"`
	AppSecret   string `envconfig:"MOCK_APP_SECRET" default:"mock-secret"`

	// Outcome tokens: ok, undelivered, failed, ban, rate_limit, auth,
	// server_error, timeout. An optional ":<code>" overrides the error code.
	OutcomeMode string        `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	Outcomes    []string      `envconfig:"MOCK_OUTCOMES" default:"ok"`
	Latency     time.Duration `envconfig:"MOCK_LATENCY" default:"50ms"`
	TimeoutHold time.Duration `envconfig:"MOCK_TIMEOUT_HOLD" default:"12s"`

	DisplayPhone string `envconfig:"MOCK_DISPLAY_PHONE" default:"+1 555 010 0000"`
	VerifiedName string `envconfig:"MOCK_VERIFIED_NAME" default:"Mock Business"`

	// Status callbacks; an empty URL disables them.
	WebhookURL        string        `envconfig:"MOCK_WEBHOOK_URL"`
	WebhookSentDelay  time.Duration `envconfig:"MOCK_WEBHOOK_SENT_DELAY" default:"300ms"`
	WebhookDelay      time.Duration `envconfig:"MOCK_WEBHOOK_DELAY" default:"500ms"`
	WebhookMaxRetries int           `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"8"`
	WebhookRetryBase  time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_BASE" default:"250ms"`
	WebhookRetryMax   time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_MAX" default:"10s"`
}

func LoadServer() ServerConfig {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// DispatchBudget is the longest one scheduled row may take: waiting in an
// account queue plus the transmission itself.
func (c ServerConfig) DispatchBudget() time.Duration {
	return c.QueueTimeout + c.SendTimeout
}

// Validate rejects combinations that would let the reclaim sweep requeue a
// row that is still being dispatched.
func (c ServerConfig) Validate() error {
	if c.SendingStaleAfter <= c.DispatchBudget() {
		return fmt.Errorf("SENDING_STALE_AFTER (%s) must exceed QUEUE_TIMEOUT + SEND_TIMEOUT (%s)", c.SendingStaleAfter, c.DispatchBudget())
	}
	return nil
}

func LoadEventProcessor() EventProcessorConfig {
	var cfg EventProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMigrate() MigrateConfig {
	var cfg MigrateConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockCloud() MockCloudConfig {
	var cfg MockCloudConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
