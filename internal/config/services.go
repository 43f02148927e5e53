package config

import "time"

// BrokerConfig selects the transport for task lifecycle events.  An empty
// URL keeps events in process.
type BrokerConfig struct {
	URL   string
	Queue string
}

func LoadBrokerConfig() BrokerConfig {
	url := getenv("RABBITMQ_URL", getenv("AMQP_URL", ""))
	return BrokerConfig{
		URL:   url,
		Queue: getenv("TASK_EVENTS_QUEUE", "task.events"),
	}
}

// MongoConfig locates the chat message store.
type MongoConfig struct {
	URI      string
	Database string
}

func LoadMongoConfig() MongoConfig {
	return MongoConfig{
		URI:      getenv("MONGO_URI", "mongodb://localhost:27017"),
		Database: getenv("MONGO_DB", "local_heroes"),
	}
}

// OAuthConfig holds Google sign-in credentials.  Google login is disabled
// when the client id or secret is missing.
type OAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	CallbackURL        string
	SuccessRedirect    string
}

func LoadOAuthConfig() OAuthConfig {
	return OAuthConfig{
		GoogleClientID:     getenv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getenv("GOOGLE_CLIENT_SECRET", ""),
		CallbackURL:        getenv("GOOGLE_CALLBACK_URL", "http://localhost:8080/v1/auth/google/callback"),
		SuccessRedirect:    getenv("OAUTH_SUCCESS_REDIRECT", ""),
	}
}

// Enabled reports whether Google OAuth credentials are configured.
func (o OAuthConfig) Enabled() bool { return o.GoogleClientID != "" && o.GoogleClientSecret != "" }

// MailConfig selects the password-reset mail provider: "mailgun", "smtp"
// or "log" (write to the application log only).
type MailConfig struct {
	Provider       string
	From           string
	MailgunDomain  string
	MailgunKey     string
	SMTPHost       string
	SMTPPort       string
	SMTPUser       string
	SMTPPassword   string
	RequestTimeout time.Duration
}

func LoadMailConfig() MailConfig {
	return MailConfig{
		Provider:       getenv("MAIL_PROVIDER", "log"),
		From:           getenv("MAIL_FROM", "Local Heroes <no-reply@localheroes.app>"),
		MailgunDomain:  getenv("MAILGUN_DOMAIN", ""),
		MailgunKey:     getenv("MAILGUN_API_KEY", ""),
		SMTPHost:       getenv("SMTP_HOST", ""),
		SMTPPort:       getenv("SMTP_PORT", "587"),
		SMTPUser:       getenv("SMTP_USER", ""),
		SMTPPassword:   getenv("SMTP_PASSWORD", ""),
		RequestTimeout: envDur("MAIL_TIMEOUT", 30*time.Second),
	}
}

// GeocodingConfig configures the OpenStreetMap lookup used when a task is
// created or its address changes.
type GeocodingConfig struct {
	Enabled   bool
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

func LoadGeocodingConfig() GeocodingConfig {
	return GeocodingConfig{
		Enabled:   envBool("GEOCODING_ENABLED", true),
		BaseURL:   getenv("GEOCODING_URL", "https://nominatim.openstreetmap.org"),
		UserAgent: getenv("GEOCODING_USER_AGENT", "local-heroes-backend/1.0"),
		Timeout:   envDur("GEOCODING_TIMEOUT", 5*time.Second),
	}
}
