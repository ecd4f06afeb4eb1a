package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/gomodule/redigo/redis"
)

var (
	// ErrInvalidScheme is returned when the Redis URI scheme is invalid
	ErrInvalidScheme = errors.New("invalid Redis database URI scheme")
)

// ConnectionOptions is what the pool needs to dial the store
type ConnectionOptions interface {
	GetURI() string
	GetMaxConnections() int
	GetMaxIdle() int
	GetIdleTimeout() time.Duration
	GetConnectTimeout() time.Duration
	GetReadTimeout() time.Duration
	GetWriteTimeout() time.Duration
	GetUseTLS() bool
	GetTLSSkipVerify() bool
	GetTLSCertPath() string
}

// CreatePool creates a Redis connection pool using the provided options.
// Borrowers block while the pool is saturated.
func CreatePool(options ConnectionOptions) *redis.Pool {
	return &redis.Pool{
		MaxActive:   options.GetMaxConnections(),
		MaxIdle:     options.GetMaxIdle(),
		IdleTimeout: options.GetIdleTimeout(),
		Wait:        options.GetMaxConnections() > 0,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return DialRedis(ctx, options)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Ping checks that a connection can be borrowed and answers PING
func Ping(ctx context.Context, pool *redis.Pool, uri string) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return rocketErrors.NewConnectionError(Redact(uri), fmt.Errorf("ping failed: %w", err))
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		return rocketErrors.NewConnectionError(Redact(uri), fmt.Errorf("ping failed: %w", err))
	}
	return nil
}

// DialRedis establishes a Redis connection using the provided options
func DialRedis(ctx context.Context, options ConnectionOptions) (redis.Conn, error) {
	redacted := Redact(options.GetURI())

	uri, err := url.Parse(options.GetURI())
	if err != nil {
		return nil, rocketErrors.NewConnectionError(redacted,
			fmt.Errorf("invalid URI: %w", err))
	}

	var network, address, username, password, db string
	dialOptions := []redis.DialOption{
		redis.DialConnectTimeout(options.GetConnectTimeout()),
		redis.DialReadTimeout(options.GetReadTimeout()),
		redis.DialWriteTimeout(options.GetWriteTimeout()),
	}

	switch uri.Scheme {
	case "redis", "rediss":
		network = "tcp"
		address = uri.Host
		if uri.User != nil {
			username = uri.User.Username()
			password, _ = uri.User.Password()
		}
		if len(uri.Path) > 1 {
			db = uri.Path[1:]
		}

		if uri.Scheme == "rediss" || options.GetUseTLS() {
			tlsConfig := &tls.Config{
				InsecureSkipVerify: options.GetTLSSkipVerify(),
				ServerName:         uri.Hostname(),
			}

			if options.GetTLSCertPath() != "" {
				pool, err := LoadCertPool(options.GetTLSCertPath())
				if err != nil {
					return nil, err
				}
				tlsConfig.RootCAs = pool
			}

			dialOptions = append(dialOptions,
				redis.DialUseTLS(true),
				redis.DialTLSConfig(tlsConfig),
			)
		}
	case "unix":
		network = "unix"
		address = uri.Path
	default:
		return nil, rocketErrors.NewConnectionError(redacted, ErrInvalidScheme)
	}

	conn, err := redis.DialContext(ctx, network, address, dialOptions...)
	if err != nil {
		return nil, rocketErrors.NewConnectionError(redacted,
			fmt.Errorf("failed to connect: %w", err))
	}

	if password != "" {
		args := []interface{}{password}
		if username != "" {
			args = []interface{}{username, password}
		}
		if _, err := conn.Do("AUTH", args...); err != nil {
			conn.Close()
			return nil, rocketErrors.NewConnectionError(redacted,
				fmt.Errorf("authentication failed: %w", err))
		}
	}

	if db != "" {
		if _, err := conn.Do("SELECT", db); err != nil {
			conn.Close()
			return nil, rocketErrors.NewConnectionError(redacted,
				fmt.Errorf("failed to select database: %w", err))
		}
	}

	return conn, nil
}

// Redact strips the password from a connection URI so it can be logged
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}

// LoadCertPool loads a certificate pool from a file
func LoadCertPool(certPath string) (*x509.CertPool, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	certs, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cert file %q: %w", certPath, err)
	}

	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("failed to append certs from %q", certPath)
	}

	return rootCAs, nil
}
