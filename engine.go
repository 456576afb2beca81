package teststack

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
)

// Engine is a database engine teststack knows how to provision.
type Engine int

const (
	// Postgres is PostgreSQL, accessed with pgx.
	Postgres Engine = iota + 1
	// MySQL is MySQL, accessed with go-sql-driver/mysql.
	MySQL
	// ClickHouse is ClickHouse over its native TCP protocol.
	ClickHouse
	// SQLServer is Microsoft SQL Server, accessed with go-mssqldb.
	SQLServer
)

// Engines lists every known engine.
var Engines = []Engine{Postgres, MySQL, ClickHouse, SQLServer}

func (e Engine) String() string {
	switch e {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case ClickHouse:
		return "clickhouse"
	case SQLServer:
		return "sqlserver"
	default:
		return "engine(" + strconv.Itoa(int(e)) + ")"
	}
}

// Kind returns the Registry key shared by every container of this engine.
func (e Engine) Kind() Kind {
	return Kind(e.String())
}

// engineDefinition is everything teststack needs to know about one engine.
type engineDefinition struct {
	image     string
	port      Port
	user      string
	password  string
	defaultDB string
	env       map[string]string
	// driver is the database/sql driver name.
	driver string

	url func(host string, port int, user, password, name string) string
	dsn func(host string, port int, user, password, name string) string
	// open returns a *sql.DB for conf. Engines without a special client use sql.Open.
	open func(conf DatabaseConfig) (*sql.DB, error)
	// createDatabase creates name using the admin connection described by admin.
	createDatabase func(ctx context.Context, admin DatabaseConfig, name string) error
}

// definition is the single place that maps an Engine to its behavior.
func (e Engine) definition() (engineDefinition, error) {
	switch e {
	case Postgres:
		return engineDefinition{
			// https://hub.docker.com/_/postgres
			image:     "postgres:16-alpine",
			port:      TCP(5432),
			user:      "postgres",
			password:  "password1",
			defaultDB: "testdb",
			env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "password1",
				"POSTGRES_DB":       "testdb",
			},
			driver: "pgx",
			url:    postgresURL,
			dsn:    postgresURL,
			createDatabase: func(ctx context.Context, admin DatabaseConfig, name string) error {
				conn, err := pgx.Connect(ctx, admin.URL)
				if err != nil {
					return fmt.Errorf("connect: %w", err)
				}
				defer conn.Close(context.WithoutCancel(ctx))
				_, err = conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
				return err
			},
		}, nil
	case MySQL:
		return engineDefinition{
			// https://hub.docker.com/_/mysql
			image:     "mysql:8.4",
			port:      TCP(3306),
			user:      "root",
			password:  "password1",
			defaultDB: "testdb",
			env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "password1",
				"MYSQL_DATABASE":      "testdb",
			},
			driver: "mysql",
			url: func(host string, port int, user, password, name string) string {
				return buildURL("mysql", host, port, user, password, name, nil)
			},
			dsn: func(host string, port int, user, password, name string) string {
				c := mysql.NewConfig()
				c.User = user
				c.Passwd = password
				c.Net = "tcp"
				c.Addr = net.JoinHostPort(host, strconv.Itoa(port))
				c.DBName = name
				c.ParseTime = true
				c.MultiStatements = true
				return c.FormatDSN()
			},
			createDatabase: execCreateDatabase("CREATE DATABASE `%s`", "`"),
		}, nil
	case ClickHouse:
		return engineDefinition{
			// https://hub.docker.com/r/clickhouse/clickhouse-server/
			image:     "clickhouse/clickhouse-server:24-alpine",
			port:      TCP(9000),
			user:      "clickuser",
			password:  "password1",
			defaultDB: "clickdb",
			env: map[string]string{
				"CLICKHOUSE_DB":                        "clickdb",
				"CLICKHOUSE_USER":                      "clickuser",
				"CLICKHOUSE_PASSWORD":                  "password1",
				"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT": "1",
			},
			driver: "clickhouse",
			url: func(host string, port int, user, password, name string) string {
				return buildURL("clickhouse", host, port, user, password, name, nil)
			},
			dsn: func(host string, port int, user, password, name string) string {
				return buildURL("clickhouse", host, port, user, password, name, nil)
			},
			open: func(conf DatabaseConfig) (*sql.DB, error) {
				return clickhouse.OpenDB(&clickhouse.Options{
					Addr: []string{net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))},
					Auth: clickhouse.Auth{
						Database: conf.Name,
						Username: conf.User,
						Password: conf.Password,
					},
					DialTimeout: 5 * time.Second,
					Compression: &clickhouse.Compression{
						Method: clickhouse.CompressionLZ4,
					},
				}), nil
			},
			createDatabase: execCreateDatabase("CREATE DATABASE `%s`", "`"),
		}, nil
	case SQLServer:
		return engineDefinition{
			// https://hub.docker.com/_/microsoft-mssql-server
			image:     "mcr.microsoft.com/mssql/server:2022-latest",
			port:      TCP(1433),
			user:      "sa",
			password:  "Password123!",
			defaultDB: "master",
			env: map[string]string{
				"ACCEPT_EULA":       "Y",
				"MSSQL_SA_PASSWORD": "Password123!",
			},
			driver:         "sqlserver",
			url:            sqlServerURL,
			dsn:            sqlServerURL,
			createDatabase: execCreateDatabase("CREATE DATABASE [%s]", "]"),
		}, nil
	default:
		return engineDefinition{}, fmt.Errorf("%w: %d", ErrUnknownEngine, int(e))
	}
}

// config returns the connection settings for database name on a container reachable at
// host:port.
func (d engineDefinition) config(e Engine, host string, port int, name string) DatabaseConfig {
	return DatabaseConfig{
		Engine:   e,
		Name:     name,
		URL:      d.url(host, port, d.user, d.password, name),
		DSN:      d.dsn(host, port, d.user, d.password, name),
		Host:     host,
		Port:     port,
		User:     d.user,
		Password: d.password,
	}
}

func (d engineDefinition) openDB(conf DatabaseConfig) (*sql.DB, error) {
	if d.open != nil {
		return d.open(conf)
	}
	return sql.Open(d.driver, conf.DSN)
}

// spec returns the container spec for the engine using image, or the default image if empty.
func (d engineDefinition) spec(e Engine, image string) Spec {
	if image == "" {
		image = d.image
	}
	return Spec{
		Image: image,
		Name:  e.String(),
		Ports: []Port{d.port},
		Env:   maps.Clone(d.env),
		Ready: func(ctx context.Context, c RunningContainer) error {
			return d.ping(ctx, e, c)
		},
	}
}

// ping opens a client to the default database and pings it.
func (d engineDefinition) ping(ctx context.Context, e Engine, c RunningContainer) error {
	port, err := c.HostPort(ctx, d.port)
	if err != nil {
		return err
	}
	conf := d.config(e, c.Host(), port, d.defaultDB)
	if e == Postgres {
		conn, err := pgx.Connect(ctx, conf.URL)
		if err != nil {
			return err
		}
		defer conn.Close(context.WithoutCancel(ctx))
		return conn.Ping(ctx)
	}
	db, err := d.openDB(conf)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func execCreateDatabase(format, closingQuote string) func(context.Context, DatabaseConfig, string) error {
	return func(ctx context.Context, admin DatabaseConfig, name string) (retErr error) {
		def, err := admin.Engine.definition()
		if err != nil {
			return err
		}
		db, err := def.openDB(admin)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil && retErr == nil {
				retErr = err
			}
		}()
		quoted := strings.ReplaceAll(name, closingQuote, closingQuote+closingQuote)
		_, err = db.ExecContext(ctx, fmt.Sprintf(format, quoted))
		return err
	}
}

func postgresURL(host string, port int, user, password, name string) string {
	return buildURL("postgres", host, port, user, password, name, url.Values{"sslmode": {"disable"}})
}

func sqlServerURL(host string, port int, user, password, name string) string {
	return buildURL("sqlserver", host, port, user, password, "", url.Values{"database": {name}})
}

func buildURL(scheme, host string, port int, user, password, name string, query url.Values) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		RawQuery: query.Encode(),
	}
	if name != "" {
		u.Path = "/" + name
	}
	return u.String()
}
