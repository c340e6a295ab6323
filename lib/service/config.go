package service

type Config struct {
	DatabaseUri             string  `envconfig:"DATABASE_URI" required:"true"`
	DatabaseMaxConns        int     `envconfig:"DATABASE_MAX_CONNS" default:"10"`
	DatabaseMaxIdleConns    int     `envconfig:"DATABASE_MAX_IDLE_CONNS" default:"5"`
	DatabaseConnMaxLifetime int     `envconfig:"DATABASE_CONN_MAX_LIFETIME" default:"1800"` // 30 minutes
	SentryDSN               string  `envconfig:"SENTRY_DSN"`
	SentryTracesSampleRate  float64 `envconfig:"SENTRY_TRACES_SAMPLE_RATE"`
	LogFilePath             string  `envconfig:"LOG_FILE_PATH"`
	LogLevel                string  `envconfig:"LOG_LEVEL" default:"debug"`
	Host                    string  `envconfig:"HOST" default:"localhost:3000"`
	Port                    int     `envconfig:"PORT" default:"3000"`
	DefaultRateLimit        int     `envconfig:"DEFAULT_RATE_LIMIT" default:"10"`
	StrictRateLimit         int     `envconfig:"STRICT_RATE_LIMIT" default:"10"`
	BurstRateLimit          int     `envconfig:"BURST_RATE_LIMIT" default:"1"`

	CronKey           string `envconfig:"CRON_KEY"`
	SchedulerInterval int    `envconfig:"SCHEDULER_INTERVAL"`                   // in seconds, 0 disables the internal cron loop
	SyncCooldown      int    `envconfig:"SYNC_COOLDOWN" default:"300"`          // in seconds
	PollMinInterval   int    `envconfig:"POLL_MIN_INTERVAL" default:"60"`       // in seconds
	PollBatchLimit    int    `envconfig:"POLL_BATCH_LIMIT" default:"20"`
	OrphanAge         int    `envconfig:"ORPHAN_AGE" default:"60"`              // in seconds
	StaleInvoiceAge   int    `envconfig:"STALE_INVOICE_AGE" default:"86400"`    // in seconds, default 1 day
	DeleteInvoiceAge  int    `envconfig:"DELETE_INVOICE_AGE" default:"7776000"` // in seconds, default 90 days

	MintTimeout      int    `envconfig:"MINT_TIMEOUT" default:"10"`    // in seconds
	InvoiceExpiry    int    `envconfig:"INVOICE_EXPIRY" default:"900"` // in seconds, used when the mint quote has no expiry
	WebhookUrl       string `envconfig:"WEBHOOK_URL"`
	WebhookRetention int    `envconfig:"WEBHOOK_RETENTION" default:"1000"`
	DonationSinkUrl  string `envconfig:"DONATION_SINK_URL"`
	MaxDonationShare int    `envconfig:"MAX_DONATION_SHARE" default:"10"` // percent cap on donations

	RabbitMQUri             string `envconfig:"RABBITMQ_URI"`
	RabbitMQWebhookExchange string `envconfig:"RABBITMQ_WEBHOOK_EXCHANGE" default:"cashupay_webhook"`
}
