package enginedb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// DefaultPGTable is the table used by the postgres backend when none is
// specified.
const DefaultPGTable = "inboxengine_kv"

type pgBackend struct {
	pool  *pgxpool.Pool
	table string
}

// OpenPostgres connects to the postgres database identified by connStr (a
// libpq style connection string or URL) and creates the key-value table when
// it does not exist yet.
func OpenPostgres(ctx context.Context, connStr, table string) (Backend, error) {
	if table == "" {
		table = DefaultPGTable
	}
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		str := fmt.Sprintf("failed to create connection config: %v", err)
		return nil, contextError(ErrBackendOpen, str, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		str := fmt.Sprintf("failed to create connection pool: %v", err)
		return nil, contextError(ErrBackendOpen, str, err)
	}

	pb := &pgBackend{pool: pool, table: pq.QuoteIdentifier(table)}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"k BYTEA PRIMARY KEY, "+
		"v BYTEA NOT NULL);", pb.table)
	if _, err := pool.Exec(ctx, query); err != nil {
		pool.Close()
		var e *pgconn.PgError
		if errors.As(err, &e) && e.Code == pgerrcode.InvalidCatalogName {
			str := fmt.Sprintf("database in %q does not exist", connStr)
			return nil, contextError(ErrBackendOpen, str, err)
		}
		str := fmt.Sprintf("unable to create table %s: %v", pb.table, err)
		return nil, contextError(ErrBackendOpen, str, err)
	}
	return pb, nil
}

func (pb *pgBackend) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	query := fmt.Sprintf("SELECT v FROM %s WHERE k = $1;", pb.table)
	var v []byte
	err := pb.pool.QueryRow(ctx, query, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (pb *pgBackend) Scan(ctx context.Context, prefix []byte, f func(k, v []byte) error) error {
	var rows pgx.Rows
	var err error
	end := prefixEnd(prefix)
	if end == nil {
		query := fmt.Sprintf("SELECT k, v FROM %s WHERE k >= $1 ORDER BY k;", pb.table)
		rows, err = pb.pool.Query(ctx, query, prefix)
	} else {
		query := fmt.Sprintf("SELECT k, v FROM %s WHERE k >= $1 AND k < $2 ORDER BY k;", pb.table)
		rows, err = pb.pool.Query(ctx, query, prefix, end)
	}
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if err := f(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (pb *pgBackend) Commit(ctx context.Context, b *Batch) (err error) {
	tx, err := pb.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
		var e *pgconn.PgError
		if errors.As(err, &e) && e.Code == pgerrcode.SerializationFailure {
			err = fmt.Errorf("concurrent writer to %s: %w", pb.table, err)
		}
	}()

	upsert := fmt.Sprintf("INSERT INTO %s (k, v) VALUES ($1, $2) "+
		"ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v;", pb.table)
	del := fmt.Sprintf("DELETE FROM %s WHERE k = $1;", pb.table)
	return b.ForEach(func(key, val []byte) error {
		if val == nil {
			_, err := tx.Exec(ctx, del, key)
			return err
		}
		_, err := tx.Exec(ctx, upsert, key, val)
		return err
	})
}

func (pb *pgBackend) Close() error {
	pb.pool.Close()
	return nil
}
