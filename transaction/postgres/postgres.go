package postgres

import (
	"flag"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff"
)

type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	DatabaseName string
	SSLMode      string
}

// DSN renders the config as a lib/pq connection string
func (c *Config) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.DatabaseName,
		c.SSLMode,
	)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// connect to Postgres and return a database handle representing a pool of connections
func Connect(config *Config) (*sqlx.DB, error) {
	return Open(config.DSN())
}

// Open connects using a raw DSN or URL and prepares the schema
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %v", err)
	}

	err = setup(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Parse the flags in the flag set from the command line.
// Additional options may be provided to parse from environment variables, but flags get priority.
//
// Example .env file
// 	POSTGRES_HOST=localhost
// 	POSTGRES_PORT=5432
// 	POSTGRES_USER=alice
// 	POSTGRES_DB_NAME=reconciler_dev
func Parse() (*Config, error) {
	var err error

	postgresFlags := flag.NewFlagSet("postgres", flag.ContinueOnError)
	var (
		host     = postgresFlags.String("host", "localhost", "host to connect to")
		port     = postgresFlags.Int("port", 5432, "port to bind to")
		user     = postgresFlags.String("user", "", "user to sign in as")
		password = postgresFlags.String("password", "", "password for user")
		dbName   = postgresFlags.String("db_name", "", "name of the database")
		sslMode  = postgresFlags.String("ssl_mode", "disable", "lib/pq sslmode")
	)

	// only env vars are considered; os.Args belongs to the caller (go test, cobra)
	err = ff.Parse(postgresFlags, []string{},
		ff.WithIgnoreUndefined(true),
		ff.WithEnvVarPrefix("POSTGRES"),
	)
	if err != nil {
		return nil, err
	}

	return &Config{
		Host:         *host,
		Port:         *port,
		User:         *user,
		Password:     *password,
		DatabaseName: *dbName,
		SSLMode:      *sslMode,
	}, nil
}

// Configured reports whether the environment names a database to connect to
func Configured() bool {
	return os.Getenv("POSTGRES_HOST") != "" && os.Getenv("POSTGRES_DB_NAME") != ""
}

// configures the database settings
func setup(db *sqlx.DB) error {
	// install extension for creating UUIDs
	_, err := db.Exec("CREATE EXTENSION IF NOT EXISTS \"uuid-ossp\"")
	if err != nil {
		return fmt.Errorf("adding UUID extension: %v", err)
	}

	// set default timezone to UTC
	_, err = db.Exec("SET timezone to 'UTC'")
	if err != nil {
		return fmt.Errorf("setting database default timezone: %v", err)
	}

	err = createTransactionsTable(db)
	if err != nil {
		return fmt.Errorf("creating db tables: %v", err)
	}

	return nil
}
