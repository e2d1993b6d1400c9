package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	TLS           bool
	RequireTLS    bool
	InsecureTLS   bool
	AllowInsecure bool
	ServerName    string
	CAFile        string
	CertFile      string
	KeyFile       string
}

// RedisOptionsFromEnv reads the REDIS_* variables; addr overrides REDIS_ADDR
// when set.
func RedisOptionsFromEnv(addr string) RedisOptions {
	if addr == "" {
		addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	}
	db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	return RedisOptions{
		Addr:          addr,
		Password:      os.Getenv("REDIS_PASSWORD"),
		DB:            db,
		TLS:           truthy(os.Getenv("REDIS_TLS")),
		RequireTLS:    truthy(os.Getenv("REDIS_REQUIRE_TLS")),
		InsecureTLS:   truthy(os.Getenv("REDIS_TLS_INSECURE")),
		AllowInsecure: truthy(os.Getenv("REDIS_ALLOW_INSECURE_TLS")),
		ServerName:    strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		CAFile:        strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
		CertFile:      strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
		KeyFile:       strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
	}
}

// NewRedis dials and pings redis within two seconds.
func NewRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address required")
	}
	tlsConfig, err := opts.tlsConfig()
	if err != nil {
		return nil, err
	}
	if opts.RequireTLS && tlsConfig == nil {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (o RedisOptions) tlsConfig() (*tls.Config, error) {
	if !o.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName}
	if o.InsecureTLS {
		if !o.AllowInsecure {
			return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if o.CAFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(o.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("redis CA file has no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" || o.KeyFile != "" {
		if o.CertFile == "" || o.KeyFile == "" {
			return nil, errors.New("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(o.CertFile), filepath.Clean(o.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
