package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// PostgresChecker considers a database ready once it accepts a login and
// answers a ping. A TCP probe is not enough: postgres listens while it is
// still replaying WAL and rejects sessions with 57P03.
type PostgresChecker struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Timeout  time.Duration

	open func(dsn string) (*sql.DB, error)
}

// NewPostgresChecker creates a checker that logs in as user
func NewPostgresChecker(host string, port int, user, password, database string) *PostgresChecker {
	return &PostgresChecker{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: database,
		Timeout:  5 * time.Second,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
	}
}

// DSN returns the connection URL. It carries the password and must not be
// logged.
func (p *PostgresChecker) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if p.Timeout > 0 {
		secs := int(p.Timeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Check opens a connection and pings it once
func (p *PostgresChecker) Check(ctx context.Context) Result {
	start := time.Now()
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))

	db, err := p.open(p.DSN())
	if err != nil {
		return failed(start, "postgres %s: %v", addr, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	if err := db.PingContext(ctx); err != nil {
		return failed(start, "postgres %s: %s", addr, describePostgresError(err))
	}

	return passed(start, "postgres %s accepts sessions", addr)
}

// Type returns CheckTypePostgres
func (p *PostgresChecker) Type() CheckType {
	return CheckTypePostgres
}

// describePostgresError names the SQLSTATE condition when the server answered
func describePostgresError(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Sprintf("%s (%s): %s", pqErr.Code.Name(), pqErr.Code, pqErr.Message)
	}
	return err.Error()
}
