// Package store provides storage backends for OrderPilot.
//
// Three implementations cover the deployment spectrum: an in-memory store for
// tests and ephemeral runs, SQLite for single-node deployments, and Postgres
// for shared deployments. A narrow Redis cache accelerates flow-state
// hydration in front of either SQL backend.
package store

import (
	"strings"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the data source name: a Postgres URL or an SQLite file path.
	DSN string
	// RedisAddr is the host:port of the Redis used for flow-state caching.
	RedisAddr string
	// RedisPassword authenticates against Redis when set.
	RedisPassword string
	// RedisDB selects the Redis logical database.
	RedisDB int
}

// Option defines a functional option for configuring store backends.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets an SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisAddr sets the Redis address for the flow-state cache.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// WithRedisAuth sets the Redis password and logical database.
func WithRedisAuth(password string, db int) Option {
	return func(o *Opts) {
		o.RedisPassword = password
		o.RedisDB = db
	}
}

// DSN type constants returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
)

// DetectDSNType classifies a DSN as Postgres or SQLite. Postgres DSNs are
// URLs (postgres:// or postgresql://) or key=value connection strings;
// anything else is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Store is the persistence interface shared by all backends. It covers
// transport telemetry, durable flow state, the append-only checkpoint log,
// and escalation cases.
type Store interface {
	// Transport telemetry.
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)

	// Durable flow state, keyed by conversation. At most one row per
	// conversation; Save replaces any existing row.
	SaveFlowState(state models.FlowState) error
	GetFlowState(conversationID string) (*models.FlowState, error)
	DeleteFlowState(conversationID string) error
	ListFlowStates() ([]models.FlowState, error)

	// Append-only checkpoint log. Checkpoints are never updated.
	AddCheckpoint(cp models.Checkpoint) error
	GetCheckpoint(id string) (*models.Checkpoint, error)
	ListCheckpoints(conversationID string, limit int) ([]models.Checkpoint, error)
	TrimCheckpoints(conversationID string, keep int) (int, error)
	// DeleteStaleCheckpointLogs drops the entire log of every conversation
	// whose newest checkpoint predates cutoff. Conversations that
	// checkpointed since keep their full retained history.
	DeleteStaleCheckpointLogs(cutoff time.Time) (int, error)

	// Escalation cases. Save upserts by case ID.
	SaveHitlCase(c models.HitlCase) error
	GetHitlCase(caseID string) (*models.HitlCase, error)
	ListHitlCases(status models.HitlStatus) ([]models.HitlCase, error)

	Close() error
}
