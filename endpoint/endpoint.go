// Package endpoint parses tcp:// / unix:// connection URLs into dialable
// transport.Options plus protocol-specific credentials. MySQL parsing reads
// the URL with net/url and fills a github.com/go-sql-driver/mysql Config
// (from NewConfig) field by field; PostgreSQL parsing is delegated to
// github.com/jackc/pgx/v5's pgconn.ParseConfig. Both libraries are used
// purely for their config-parsing surface — never for their database/sql
// execution path, which the core hand-rolls.
package endpoint

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/rowstream/cdc/transport"
)

// Endpoint is the common, parsed form of a connection URL shared by both
// protocol clients' connect() entry points.
type Endpoint struct {
	Transport transport.Options
	User      string
	Password  string
	Database  string
	// ServerID is the MySQL replica server id used for COM_REGISTER_SLAVE /
	// COM_BINLOG_DUMP. Zero for PostgreSQL endpoints.
	ServerID uint32
	// Slot is the PostgreSQL logical replication slot name used by
	// START_REPLICATION. Empty for MySQL endpoints.
	Slot string
}

// ParseMySQL parses a tcp://[user[:pass]@]host[:port][?params] or
// unix:///path[?params] endpoint URL for the MySQL client.
//
// Supported query parameters: database, connect_timeout_ms, read_timeout_ms,
// write_timeout_ms, server-id, tls (true|false|skip-verify).
func ParseMySQL(raw string) (Endpoint, error) {
	network, address, q, err := transport.ParseAddress(raw, "3306")
	if err != nil {
		return Endpoint{}, err
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: parse mysql url: %w", err)
	}

	cfg := mysqldriver.NewConfig()
	cfg.Net = network
	cfg.Addr = address
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	if db := q.Get("database"); db != "" {
		cfg.DBName = db
	}

	tlsCfg, err := parseTLSParam(q, cfg.Addr)
	if err != nil {
		return Endpoint{}, err
	}
	cfg.TLS = tlsCfg

	var serverID uint64
	if v := q.Get("server-id"); v != "" {
		serverID, err = strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint: invalid server-id %q: %w", v, err)
		}
	}

	return Endpoint{
		Transport: transport.Options{
			Network:        network,
			Address:        address,
			TLS:            tlsCfg,
			ConnectTimeout: transport.DurationParam(q, "connect_timeout_ms"),
			ReadTimeout:    transport.DurationParam(q, "read_timeout_ms"),
			WriteTimeout:   transport.DurationParam(q, "write_timeout_ms"),
		},
		User:     cfg.User,
		Password: cfg.Passwd,
		Database: cfg.DBName,
		ServerID: uint32(serverID),
	}, nil
}

// ParsePostgres parses a tcp:// or unix:// endpoint URL for the PostgreSQL
// client. It rewrites the URL into PostgreSQL's own connection-string
// grammar (same shape, "postgres://" scheme) and delegates to
// pgconn.ParseConfig so defaulting/validation matches a real client.
func ParsePostgres(raw string) (Endpoint, error) {
	network, address, q, err := transport.ParseAddress(raw, "5432")
	if err != nil {
		return Endpoint{}, err
	}
	if network == "unix" {
		return Endpoint{}, fmt.Errorf("endpoint: unix sockets not supported for postgres replication")
	}

	pgURL := "postgres://" + strings.TrimPrefix(raw, "tcp://")
	cfg, err := pgconn.ParseConfig(pgURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: parse postgres url: %w", err)
	}

	var tlsCfg *tls.Config
	if cfg.TLSConfig != nil {
		tlsCfg = cfg.TLSConfig
	} else if v := q.Get("tls"); v != "" {
		tlsCfg, err = parseTLSParam(q, address)
		if err != nil {
			return Endpoint{}, err
		}
	}

	return Endpoint{
		Transport: transport.Options{
			Network:        network,
			Address:        address,
			TLS:            tlsCfg,
			ConnectTimeout: transport.DurationParam(q, "connect_timeout_ms"),
			ReadTimeout:    transport.DurationParam(q, "read_timeout_ms"),
			WriteTimeout:   transport.DurationParam(q, "write_timeout_ms"),
		},
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		Slot:     q.Get("slot"),
	}, nil
}

func parseTLSParam(q url.Values, serverName string) (*tls.Config, error) {
	v := q.Get("tls")
	switch v {
	case "", "false":
		return nil, nil
	case "true":
		host := serverName
		if h, _, err := net.SplitHostPort(serverName); err == nil {
			host = h
		}
		return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}, nil
	case "skip-verify":
		return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}, nil //nolint:gosec // explicit opt-in via query param
	default:
		return nil, fmt.Errorf("endpoint: unsupported tls mode %q", v)
	}
}
