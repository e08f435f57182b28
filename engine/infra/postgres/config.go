package postgres

import (
	"fmt"
	"time"
)

// Config holds PostgreSQL connection settings. ConnString wins when set;
// otherwise a keyword DSN is synthesized from the individual fields.
type Config struct {
	// ConnString is a full connection string or URL understood by pgx.
	ConnString string
	// Host, Port, User, Password, DBName and SSLMode feed the synthesized DSN
	// when ConnString is empty.
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	// MaxConns caps the pool size. Zero selects the driver default.
	MaxConns int
	// MinConns keeps warm connections in the pool.
	MinConns int
	// ConnMaxLifetime recycles connections after the given age.
	ConnMaxLifetime time.Duration
	// ConnectTimeout bounds the dial of a single connection.
	ConnectTimeout time.Duration
	// RetryAttempts caps retries for transient failures. Zero selects the
	// default policy.
	RetryAttempts int
	// RetryBaseDelay is the backoff base between retry attempts.
	RetryBaseDelay time.Duration
}

// DSN returns the connection string, synthesizing one from the individual
// fields when ConnString is empty.
func (c *Config) DSN() string {
	if c.ConnString != "" {
		return c.ConnString
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		orDefault(c.Host, "localhost"),
		orDefault(c.Port, "5432"),
		orDefault(c.User, "postgres"),
		c.Password,
		orDefault(c.DBName, "tbcv"),
		orDefault(c.SSLMode, "disable"),
	)
}

func orDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
