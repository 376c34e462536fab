package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// ledgerDriver installs the authorizer on every connection the store opens.
// SQLite consults it while compiling each statement, trigger bodies included,
// so it sees the real target of a write however the SQL is spelled.
var ledgerDriver = &sqlite3.SQLiteDriver{
	ConnectHook: func(conn *sqlite3.SQLiteConn) error {
		conn.RegisterAuthorizer(authorize)
		return nil
	},
}

// connector opens guarded connections for one DSN.
type connector struct {
	dsn string
}

func (c connector) Connect(context.Context) (driver.Conn, error) {
	return ledgerDriver.Open(c.dsn)
}

func (c connector) Driver() driver.Driver {
	return ledgerDriver
}

// systemTables are SQLite's own schema tables.
var systemTables = map[string]bool{
	"sqlite_master":      true,
	"sqlite_schema":      true,
	"sqlite_temp_master": true,
	"sqlite_temp_schema": true,
}

// introspectionPragmas take an argument but only read.
var introspectionPragmas = map[string]bool{
	"table_info":        true,
	"table_xinfo":       true,
	"table_list":        true,
	"index_list":        true,
	"index_info":        true,
	"index_xinfo":       true,
	"foreign_key_list":  true,
	"foreign_key_check": true,
	"integrity_check":   true,
	"quick_check":       true,
}

// authorize is the sqlite3 authorizer callback. For UPDATE the arguments are
// (table, column, database); for DELETE (table, "", database); for PRAGMA
// (name, value, database); for DROP TRIGGER and DROP INDEX (name, table, database).
func authorize(op int, arg1, arg2, _ string) int {
	switch op {
	case sqlite3.SQLITE_UPDATE:
		return authorizeUpdate(strings.ToLower(arg1), strings.ToLower(arg2))
	case sqlite3.SQLITE_DELETE:
		return authorizeDelete(strings.ToLower(arg1))
	case sqlite3.SQLITE_INSERT:
		if systemTables[strings.ToLower(arg1)] {
			return sqlite3.SQLITE_DENY
		}
	case sqlite3.SQLITE_PRAGMA:
		if arg2 != "" && !introspectionPragmas[strings.ToLower(arg1)] {
			return sqlite3.SQLITE_DENY
		}
	case sqlite3.SQLITE_ATTACH, sqlite3.SQLITE_DETACH:
		return sqlite3.SQLITE_DENY
	case sqlite3.SQLITE_DROP_TABLE, sqlite3.SQLITE_DROP_VIEW:
		if isProtectedObject(arg1) {
			return sqlite3.SQLITE_DENY
		}
	case sqlite3.SQLITE_DROP_TRIGGER, sqlite3.SQLITE_DROP_INDEX:
		if isProtectedObject(arg1) || isProtectedObject(arg2) {
			return sqlite3.SQLITE_DENY
		}
	case sqlite3.SQLITE_ALTER_TABLE:
		if isProtectedObject(arg2) {
			return sqlite3.SQLITE_DENY
		}
	case sqlite3.SQLITE_CREATE_TRIGGER, sqlite3.SQLITE_CREATE_TEMP_TRIGGER:
		if isProtectedObject(arg2) {
			return sqlite3.SQLITE_DENY
		}
	}
	return sqlite3.SQLITE_OK
}

func authorizeUpdate(table, column string) int {
	if systemTables[table] {
		return sqlite3.SQLITE_DENY
	}
	rule, ok := protected[table]
	if !ok || rule.readOnlyView {
		// The compatibility view's INSTEAD OF triggers report the refusal.
		return sqlite3.SQLITE_OK
	}
	if rule.updatableCols[column] {
		return sqlite3.SQLITE_OK
	}
	return sqlite3.SQLITE_DENY
}

func authorizeDelete(table string) int {
	if systemTables[table] {
		return sqlite3.SQLITE_DENY
	}
	rule, ok := protected[table]
	if !ok || rule.readOnlyView || rule.deletable {
		return sqlite3.SQLITE_OK
	}
	return sqlite3.SQLITE_DENY
}

func isProtectedObject(name string) bool {
	name = strings.ToLower(name)
	if _, ok := protected[name]; ok {
		return true
	}
	return systemTables[name] || strings.HasPrefix(name, "trg_") || strings.HasPrefix(name, "idx_recognition_owners")
}

// withSchemaChanges runs fn on a dedicated connection whose authorizer is
// lifted. Only migrations use it; the authorizer is restored before the
// connection returns to the pool.
func withSchemaChanges(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return translateError(err)
	}
	defer conn.Close()

	if err := setAuthorizer(conn, nil); err != nil {
		return err
	}
	err = fn(conn)
	if rerr := setAuthorizer(conn, authorize); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func setAuthorizer(conn *sql.Conn, fn func(int, string, string, string) int) error {
	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dc)
		}
		sc.RegisterAuthorizer(fn)
		return nil
	})
}
