package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisTLSConfig struct {
	Enabled bool
	// Insecure skips certificate verification and is refused unless AllowInsecure is also set.
	Insecure      bool
	AllowInsecure bool
	ServerName    string
	CACertFile    string
	CertFile      string
	KeyFile       string
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	RequireTLS bool
	TLS        RedisTLSConfig
	// PingTimeout bounds the connectivity check done by NewRedis.
	PingTimeout time.Duration
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsConfig, err := loadRedisTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if cfg.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("redis.require_tls=true but redis.tls.enabled is false")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConfig,
	})
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctxPing, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func loadRedisTLSConfig(c RedisTLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.Insecure {
		if !c.AllowInsecure {
			return nil, fmt.Errorf("redis.tls.insecure=true requires redis.tls.allow_insecure=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(c.ServerName); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(c.CACertFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis CA file: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(c.CertFile)
	keyFile := strings.TrimSpace(c.KeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("both redis.tls.cert_file and redis.tls.key_file must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
