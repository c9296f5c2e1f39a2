// Package postgres implements the domain stores on PostgreSQL via pgx.
// Status changes are compare-and-swap updates guarded by the current status
// in the WHERE clause, so concurrent writers cannot both win.
package postgres

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// ClientConfig holds connection parameters for the PostgreSQL client.
// DSN, when set, wins over the discrete fields.
type ClientConfig struct {
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// ConnString returns the pgx connection string for cfg.
func (cfg ClientConfig) ConnString() string {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cmp.Or(cfg.Port, 5432))),
		Path:   "/" + cfg.Database,
	}
	u.RawQuery = url.Values{"sslmode": {cmp.Or(cfg.SSLMode, "disable")}}.Encode()
	return u.String()
}

// Client owns the connection pool shared by every store.
type Client struct {
	pool *pgxpool.Pool
}

// New opens a pool and verifies it with a ping.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "resolver"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Client{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// Stores bundles one instance of every postgres store over a shared pool.
type Stores struct {
	Markets     *MarketStore
	Disputes    *DisputeStore
	Bonds       *BondStore
	Balances    *BalanceStore
	Reviews     *ReviewStore
	Reputations *ReputationStore
	Audit       *AuditStore
}

// NewStores builds every store on pool.
func NewStores(pool *pgxpool.Pool) *Stores {
	return &Stores{
		Markets:     NewMarketStore(pool),
		Disputes:    NewDisputeStore(pool),
		Bonds:       NewBondStore(pool),
		Balances:    NewBalanceStore(pool),
		Reviews:     NewReviewStore(pool),
		Reputations: NewReputationStore(pool),
		Audit:       NewAuditStore(pool),
	}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// pageClause appends the time window and LIMIT/OFFSET of opts to query.
// timeCol names the column the window applies to.
func pageClause(query string, args []any, timeCol string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, len(args))
	}
	return query, args
}

func limitClause(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
