package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// PostgresStore persists subscriber registrations and IP leases to
// PostgreSQL, for control planes that must survive a process restart.
// Schema (created out of band, not by this package):
//
//	CREATE TABLE cp_subscribers (
//	    feed           BIGINT NOT NULL,
//	    key            TEXT NOT NULL,
//	    server_addr    TEXT NOT NULL,
//	    vlan_id        BIGINT NOT NULL,
//	    switch_port_id TEXT NOT NULL,
//	    min_client     INET NOT NULL,
//	    max_client     INET NOT NULL,
//	    port           INTEGER NOT NULL DEFAULT 0,
//	    PRIMARY KEY (feed, key)
//	);
//	CREATE TABLE cp_leases (
//	    feed BIGINT NOT NULL,
//	    ip   INET NOT NULL,
//	    key  TEXT NOT NULL,
//	    PRIMARY KEY (feed, ip)
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn ("postgres://...").
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: open postgres store")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: ping postgres store")
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks the underlying database connection, for use as a health check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Add(ctx context.Context, feed uint32, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cp_subscribers (feed, key, server_addr, vlan_id, switch_port_id, min_client, max_client, port)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		feed, rec.Key, rec.ServerAddr, rec.VlanID, rec.SwitchPortID, rec.MinClient.String(), rec.MaxClient.String(), rec.Port)
	if isUniqueViolation(err) {
		return fmtperr.New(fmtperr.DUP, "controlplane: subscriber %q already registered for feed 0x%08x", rec.Key, feed)
	}
	if err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: insert subscriber %q", rec.Key)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, feed uint32, key string) (Record, error) {
	var rec Record
	var minClient, maxClient string
	rec.Key = key
	row := s.db.QueryRowContext(ctx, `
		SELECT server_addr, vlan_id, switch_port_id, min_client, max_client, port
		FROM cp_subscribers WHERE feed = $1 AND key = $2`, feed, key)
	if err := row.Scan(&rec.ServerAddr, &rec.VlanID, &rec.SwitchPortID, &minClient, &maxClient, &rec.Port); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmtperr.New(fmtperr.NOENT, "controlplane: subscriber %q not registered for feed 0x%08x", key, feed)
		}
		return Record{}, fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: query subscriber %q", key)
	}
	rec.MinClient = net.ParseIP(minClient)
	rec.MaxClient = net.ParseIP(maxClient)
	return rec, nil
}

func (s *PostgresStore) Set(ctx context.Context, feed uint32, key string, port int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cp_subscribers SET port = $1 WHERE feed = $2 AND key = $3`, port, feed, key)
	if err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: update subscriber %q", key)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmtperr.New(fmtperr.NOENT, "controlplane: subscriber %q not registered for feed 0x%08x", key, feed)
	}
	return nil
}

func (s *PostgresStore) Reserve(ctx context.Context, feed uint32, key string) (net.IP, error) {
	rec, err := s.Get(ctx, feed, key)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: begin reserve tx")
	}
	defer tx.Rollback()

	for ip := cloneIP(rec.MinClient); ipLessOrEqual(ip, rec.MaxClient); ip = nextIP(ip) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cp_leases (feed, ip, key) VALUES ($1, $2, $3)
			ON CONFLICT (feed, ip) DO NOTHING`, feed, ip.String(), key)
		if err != nil {
			return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: lease insert attempt")
		}
		var owner string
		row := tx.QueryRowContext(ctx, `SELECT key FROM cp_leases WHERE feed = $1 AND ip = $2`, feed, ip.String())
		if err := row.Scan(&owner); err != nil {
			return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: lease ownership check")
		}
		if owner != key {
			continue
		}
		if err := tx.Commit(); err != nil {
			return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: commit reserve tx")
		}
		return ip, nil
	}
	return nil, fmtperr.New(fmtperr.BUSY, "controlplane: no free client IP in [%s, %s] for subscriber %q", rec.MinClient, rec.MaxClient, key)
}

func (s *PostgresStore) Release(ctx context.Context, feed uint32, key string, ip net.IP) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cp_leases WHERE feed = $1 AND ip = $2 AND key = $3`, feed, ip.String(), key)
	if err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: delete lease %s", ip)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmtperr.New(fmtperr.NOENT, "controlplane: ip %s not leased for subscriber %q", ip, key)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// lib/pq reports constraint violations as *pq.Error whose Error() text
	// contains the SQLSTATE and the constraint-violation wording.
	return err != nil && (strings.Contains(err.Error(), "duplicate key value") || strings.Contains(err.Error(), "23505"))
}
