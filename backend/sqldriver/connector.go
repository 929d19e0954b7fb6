package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/BaSui01/connpool/pool"
)

// Connector opens backend connections through a database/sql driver.
type Connector struct {
	name      string
	connector driver.Connector
}

var _ pool.Connector = (*Connector)(nil)

// NewConnector wraps an existing driver.Connector.
func NewConnector(name string, c driver.Connector) *Connector {
	return &Connector{name: name, connector: c}
}

// FromDriver builds a Connector for dsn, preferring driver.DriverContext.
func FromDriver(name string, d driver.Driver, dsn string) (*Connector, error) {
	if dc, ok := d.(driver.DriverContext); ok {
		c, err := dc.OpenConnector(dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s connector: %w", name, err)
		}
		return NewConnector(name, c), nil
	}
	return NewConnector(name, dsnConnector{driver: d, dsn: dsn}), nil
}

// Open resolves driverName to a driver. mysql, postgres and pgx are built
// in; any other name must be registered with database/sql.
func Open(driverName, dsn string) (*Connector, error) {
	name := strings.ToLower(strings.TrimSpace(driverName))
	switch name {
	case "mysql":
		return FromDriver(name, mysql.MySQLDriver{}, dsn)
	case "postgres", "postgresql", "pgx":
		return FromDriver(name, stdlib.GetDefaultDriver(), dsn)
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, ErrUnknownDriver.Wrap(err)
	}
	d := db.Driver()
	_ = db.Close()
	return FromDriver(name, d, dsn)
}

// Name returns the driver name the connector was built for.
func (c *Connector) Name() string { return c.name }

// Connect implements pool.Connector.
func (c *Connector) Connect(ctx context.Context) (pool.Conn, error) {
	raw, err := c.connector.Connect(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return newConn(raw), nil
}

type dsnConnector struct {
	driver driver.Driver
	dsn    string
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c dsnConnector) Driver() driver.Driver { return c.driver }
