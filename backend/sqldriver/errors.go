package sqldriver

import (
	"database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/BaSui01/connpool/types"
)

// stateConnectionDoesNotExist is reported for driver.ErrBadConn.
const stateConnectionDoesNotExist = "08003"

var (
	ErrUnknownDriver = types.NewError(types.ErrDriverNotFound, "unknown database driver")
	ErrConnClosed    = types.NewError(types.ErrConnectionClosed, "backend connection is closed")
)

// stateError attaches a SQLSTATE to a driver error that does not expose one.
type stateError struct {
	state string
	err   error
}

func (e *stateError) Error() string    { return e.err.Error() }
func (e *stateError) Unwrap() error    { return e.err }
func (e *stateError) SQLState() string { return e.state }

// wrapErr makes the SQLSTATE of err visible to pool.SQLState.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var stater interface{ SQLState() string }
	if errors.As(err, &stater) {
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.SQLState != [5]byte{} {
		return &stateError{state: string(myErr.SQLState[:]), err: err}
	}
	if errors.Is(err, driver.ErrBadConn) {
		return &stateError{state: stateConnectionDoesNotExist, err: err}
	}
	return err
}
