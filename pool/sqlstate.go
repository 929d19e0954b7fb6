package pool

import (
	"errors"
	"strings"
)

// sqlStater is satisfied by pgconn.PgError and by the sqldriver adapter errors.
type sqlStater interface {
	SQLState() string
}

// SQLState extracts the backend SQLSTATE from err, or "" if none is reported.
func SQLState(err error) string {
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState()
	}
	return ""
}

var (
	// fatalStates are connection-level failures. Class 08 is matched by prefix.
	fatalStates = map[string]struct{}{
		"57P01": {}, // admin shutdown
		"57P02": {}, // crash shutdown
		"57P03": {}, // cannot connect now
		"01002": {}, // disconnect error
		"JZ0C0": {},
		"JZ0C1": {},
	}
	// dbDownStates mean the whole backend is gone, not just one connection.
	dbDownStates = map[string]struct{}{
		"08001": {},
		"08007": {},
		"08S01": {},
		"57P01": {},
	}
)

// IsFatalSQLState reports whether state denotes a lost or unusable connection.
func IsFatalSQLState(state string, extra ...string) bool {
	if state == "" {
		return false
	}
	if strings.HasPrefix(state, "08") {
		return true
	}
	if _, ok := fatalStates[state]; ok {
		return true
	}
	for _, s := range extra {
		if strings.EqualFold(s, state) {
			return true
		}
	}
	return false
}

// IsDatabaseDownSQLState reports whether state means the backend is unreachable.
func IsDatabaseDownSQLState(state string) bool {
	_, ok := dbDownStates[state]
	return ok
}
