package sink

import (
	"database/sql"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/pkg/errors"
)

// Open opens a SQL Server connection pool tuned the way both sinks need:
// a bounded pool with headroom for the retry bursts and recycled
// connections so Azure's idle timeouts never bite.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlserver")
	}
	db.SetMaxOpenConns(30)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(300 * time.Second)
	return db, nil
}
