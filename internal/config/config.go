package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types

	"github.com/joho/godotenv" // godotenv loads a local .env file into the process environment
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Secrets for the three token kinds are kept apart
// so that a leaked password-reset secret cannot mint sessions.
type Config struct {
	Env               string // application environment (e.g. "dev", "prod")
	Port              string // HTTP port to listen on
	LogLevel          string // logrus level name
	DBUser            string // database username
	DBPass            string // database password (optional)
	DBHost            string // database host address
	DBPort            string // database port number
	DBName            string // database name
	JWTSecret         string // secret used to sign access tokens
	JWTRefreshSecret  string // secret used to sign refresh tokens
	JWTPasswordSecret string // secret used to sign password reset tokens
	AccessTTLMin      int    // access token time-to-live in minutes
	RefreshTTLDays    int    // refresh token time-to-live in days
	ResetTTLMin       int    // password reset token time-to-live in minutes
	MaxActiveSessions int    // active refresh tokens kept per user
	BcryptCost        int    // bcrypt cost for password hashing
	PaymentsEnabled   bool   // completing a task transfers the price from poster to worker
	PublicOrigin      string // frontend origin used in mailed links
	SweepSchedule     string // cron expression for the expired refresh token sweep
}

// Load reads configuration values from environment variables and returns a
// Config.  A .env file in the working directory is applied first when
// present.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Env:               must("APP_ENV"),
		Port:              must("APP_PORT"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		DBUser:            must("DB_USER"),
		DBPass:            os.Getenv("DB_PASS"), // empty allowed
		DBHost:            must("DB_HOST"),
		DBPort:            must("DB_PORT"),
		DBName:            must("DB_NAME"),
		JWTSecret:         must("JWT_SECRET"),
		JWTRefreshSecret:  must("JWT_REFRESH_SECRET"),
		JWTPasswordSecret: must("JWT_PASSWORD_SECRET"),
		AccessTTLMin:      mustInt("ACCESS_TOKEN_TTL_MIN"),
		RefreshTTLDays:    envInt("REFRESH_TOKEN_TTL_DAYS", 30),
		ResetTTLMin:       envInt("RESET_TOKEN_TTL_MIN", 20),
		MaxActiveSessions: envInt("MAX_ACTIVE_SESSIONS", 3),
		BcryptCost:        mustInt("BCRYPT_COST"),
		PaymentsEnabled:   envBool("TASK_PAYMENTS_ENABLED", true),
		PublicOrigin:      getenv("ORIGIN", "http://localhost:3000"),
		SweepSchedule:     getenv("TOKEN_SWEEP_SCHEDULE", "0 0 */7 * *"),
	}
}

// IsProd reports whether the service runs with production settings.
func (c Config) IsProd() bool { return c.Env == "prod" || c.Env == "production" }

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
// If conversion fails, the application logs a fatal error and exits.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}
