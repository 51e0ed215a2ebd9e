package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/config"
)

// errBadDB is MySQL's ER_BAD_DB_ERROR.
const errBadDB = 1049

const connectTimeout = 10 * time.Second

// NewConnection opens the ledger database. A missing schema is created on the server first,
// so a fresh MySQL instance only needs the credentials.
func NewConnection(cfg *config.Config, logger logrus.FieldLogger) (*sql.DB, error) {
	dsn := cfg.GetDSN()
	log := logger.WithField("database", cfg.Database.Name)

	db, err := open(dsn)
	if isUnknownDatabase(err) {
		log.Warn("ledger database missing, creating it")
		if err := createDatabase(dsn, cfg.Database.Name); err != nil {
			return nil, err
		}
		log.Info("created ledger database")
		db, err = open(dsn)
	}
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("connected to ledger database")
	return db, nil
}

// open returns a pinged handle; on failure the handle is closed.
func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "error opening database")
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error pinging database")
	}
	return db, nil
}

func createDatabase(dsn, name string) error {
	server, err := serverDSN(dsn)
	if err != nil {
		return err
	}
	db, err := open(server)
	if err != nil {
		return errors.Wrap(err, "error connecting to MySQL server")
	}
	defer db.Close()

	stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", name)
	if _, err := db.Exec(stmt); err != nil {
		return errors.Wrapf(err, "error creating database %s", name)
	}
	return nil
}

// serverDSN is dsn without its schema, for statements that run before the schema exists.
func serverDSN(dsn string) (string, error) {
	c, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "invalid database DSN")
	}
	c.DBName = ""
	return c.FormatDSN(), nil
}

func isUnknownDatabase(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errBadDB
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}
