package health

import (
	"context"
	"database/sql"
	"time"
)

const checkTimeout = time.Second

// Checker represents a dependency health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Report is the outcome of a readiness check. Details maps each checker name
// to "ok" or its error text.
type Report struct {
	Ready   bool
	Details map[string]string
}

type Service struct {
	checkers []Checker
}

// NewService aggregates dependency checkers.
func NewService(checkers ...Checker) *Service {
	return &Service{checkers: checkers}
}

// Ready runs every checker, each with its own timeout.
func (s *Service) Ready(ctx context.Context) Report {
	report := Report{Ready: true, Details: make(map[string]string, len(s.checkers))}

	for _, ch := range s.checkers {
		if err := check(ctx, ch); err != nil {
			report.Ready = false
			report.Details[ch.Name()] = err.Error()
			continue
		}
		report.Details[ch.Name()] = "ok"
	}

	return report
}

func check(ctx context.Context, ch Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	return ch.Check(ctx)
}

type PostgresChecker struct {
	db *sql.DB
}

func NewPostgresChecker(db *sql.DB) *PostgresChecker {
	return &PostgresChecker{db: db}
}

func (c *PostgresChecker) Name() string { return "postgres" }

func (c *PostgresChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Pinger is satisfied by *cache.ProfileCache.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RedisChecker struct {
	pinger Pinger
}

func NewRedisChecker(p Pinger) *RedisChecker {
	return &RedisChecker{pinger: p}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) error {
	return c.pinger.Ping(ctx)
}
