package infra

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"modoboa-policyd/policy/domain"
)

// Consultas padrão sobre o banco do painel administrativo.
const (
	DefaultDomainLimitQuery  = "SELECT name, message_limit FROM admin_domain WHERE message_limit IS NOT NULL"
	DefaultAccountLimitQuery = "SELECT email, message_limit FROM core_user WHERE message_limit IS NOT NULL"
)

// SQLLimitSource lê os message_limit direto do banco relacional do sistema
// administrativo. Cada consulta devolve (identidade, limite); limite NULL é
// ilimitado.
type SQLLimitSource struct {
	db           *sql.DB
	domainQuery  string
	accountQuery string
}

type SQLLimitOption func(*SQLLimitSource)

func WithDomainQuery(q string) SQLLimitOption {
	return func(s *SQLLimitSource) {
		if q != "" {
			s.domainQuery = q
		}
	}
}

func WithAccountQuery(q string) SQLLimitOption {
	return func(s *SQLLimitSource) {
		if q != "" {
			s.accountQuery = q
		}
	}
}

func NewSQLLimitSource(db *sql.DB, opts ...SQLLimitOption) *SQLLimitSource {
	s := &SQLLimitSource{
		db:           db,
		domainQuery:  DefaultDomainLimitQuery,
		accountQuery: DefaultAccountLimitQuery,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSQLLimitSource abre o banco ("mysql" por padrão) e confirma a conexão.
func OpenSQLLimitSource(ctx context.Context, driver, dsn string, opts ...SQLLimitOption) (*SQLLimitSource, error) {
	if driver == "" {
		driver = "mysql"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return NewSQLLimitSource(db, opts...), nil
}

func (s *SQLLimitSource) Close() error { return s.db.Close() }

func (s *SQLLimitSource) Limits(ctx context.Context) ([]domain.Limit, error) {
	domains, err := s.query(ctx, s.domainQuery, domain.KindDomain)
	if err != nil {
		return nil, err
	}
	accounts, err := s.query(ctx, s.accountQuery, domain.KindAccount)
	if err != nil {
		return nil, err
	}
	return append(domains, accounts...), nil
}

func (s *SQLLimitSource) query(ctx context.Context, q string, kind domain.Kind) ([]domain.Limit, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s limits: %w", kind, err)
	}
	defer rows.Close()

	var out []domain.Limit
	for rows.Next() {
		var (
			name  string
			limit sql.NullInt64
		)
		if err := rows.Scan(&name, &limit); err != nil {
			return nil, fmt.Errorf("scan %s limit: %w", kind, err)
		}
		key := domain.NormalizeKey(name)
		if !limit.Valid || key == "" {
			continue
		}
		if limit.Int64 < 0 {
			return nil, fmt.Errorf("negative limit %d for %s", limit.Int64, name)
		}
		out = append(out, domain.Limit{Identity: domain.Identity{Key: key, Kind: kind}, Value: limit.Int64})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s limits: %w", kind, err)
	}
	return out, nil
}
