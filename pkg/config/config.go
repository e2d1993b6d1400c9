// Package config assembles govd settings from the environment and an
// optional YAML policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coreos/pkg/auth"
	"coreos/pkg/firewall"
	"coreos/pkg/governance"
	"coreos/pkg/models"
	"coreos/pkg/policy"
	"coreos/pkg/ratelimit"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Addr               string
	Environment        string
	AuthMode           string
	JWTSecret          string
	JWKSURL            string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins string
	StrictProdSecurity string
	DevHarness         bool
	AuthDevRole        string

	DatabaseURL        string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	NonceBackend       string
	RateLimitBackend   string
	NonceTTL           time.Duration
	NoncePoolCapacity  int

	AuditCapacity  int
	AuditHashSalt  string
	AuditRedact    bool
	AuditSinkQueue int

	KafkaBrokers []string
	KafkaGroupID string
	AuditTopic   string
	JobsTopic    string
	ResultsTopic string

	WorkerID         string
	WorkerHMACSecret string
	WorkerRate       float64
	WorkerBurst      int

	TicketPublicKeys   string
	TicketSigningKey   string
	TicketSigningKeyID string
	TicketTTL          time.Duration
	RequireTicket      bool

	PolicyFile string
	Policy     PolicyFile
}

// PolicyFile is the YAML document named by POLICY_CONFIG_FILE. Every
// section is optional; omitted values keep the built-in defaults.
type PolicyFile struct {
	Version       string            `yaml:"version"`
	ScopePrefixes map[string]string `yaml:"scopePrefixes"`
	RateLimits    struct {
		Window      time.Duration  `yaml:"window"`
		Granularity string         `yaml:"granularity"`
		Ceilings    map[string]int `yaml:"ceilings"`
	} `yaml:"rateLimits"`
	MinRoles   map[string]string     `yaml:"minRoles"`
	Schemas    map[string]string     `yaml:"schemas"`
	Governance governance.Thresholds `yaml:"governance"`
}

func Load() (Config, error) {
	c := Config{
		Addr:               env("ADDR", ":8090"),
		Environment:        env("ENVIRONMENT", "development"),
		AuthMode:           strings.ToLower(env("AUTH_MODE", "hs256")),
		JWTSecret:          env("JWT_SECRET", ""),
		JWKSURL:            env("OIDC_JWKS_URL", ""),
		JWTIssuer:          env("OIDC_ISSUER", ""),
		JWTAudience:        env("OIDC_AUDIENCE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DevHarness:         envBool("DEV_HARNESS", false),
		AuthDevRole:        strings.ToLower(env("AUTH_DEV_ROLE", string(models.RoleUser))),

		DatabaseURL:        env("DATABASE_URL", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		NonceBackend:       strings.ToLower(env("NONCE_BACKEND", BackendMemory)),
		RateLimitBackend:   strings.ToLower(env("RATE_LIMIT_BACKEND", BackendMemory)),
		NonceTTL:           envDurationSec("NONCE_TTL_SECONDS", 900),
		NoncePoolCapacity:  envInt("NONCE_POOL_CAPACITY", 10000),

		AuditCapacity:  envInt("AUDIT_CAPACITY", 500),
		AuditHashSalt:  env("AUDIT_HASH_SALT", ""),
		AuditRedact:    envBool("AUDIT_REDACT", true),
		AuditSinkQueue: envInt("AUDIT_SINK_QUEUE", 1024),

		KafkaBrokers: splitList(env("KAFKA_BROKERS", "")),
		KafkaGroupID: env("KAFKA_GROUP_ID", "coreos-govd"),
		AuditTopic:   env("KAFKA_AUDIT_TOPIC", "coreos.audit"),
		JobsTopic:    env("KAFKA_JOBS_TOPIC", "coreos.jobs"),
		ResultsTopic: env("KAFKA_RESULTS_TOPIC", "coreos.job-results"),

		WorkerID:         env("WORKER_ID", defaultWorkerID()),
		WorkerHMACSecret: env("JOB_WORKER_HMAC_SECRET", ""),
		WorkerRate:       envFloat("JOB_WORKER_RATE_PER_SEC", 10),
		WorkerBurst:      envInt("JOB_WORKER_BURST", 5),

		TicketPublicKeys:   env("TICKET_PUBLIC_KEYS", ""),
		TicketSigningKey:   env("TICKET_SIGNING_KEY", ""),
		TicketSigningKeyID: env("TICKET_SIGNING_KEY_ID", "govd-1"),
		TicketTTL:          envDurationSec("TICKET_TTL_SECONDS", 120),
		RequireTicket:      envBool("WORKER_REQUIRE_TICKET", false),

		PolicyFile: env("POLICY_CONFIG_FILE", ""),
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	if c.PolicyFile != "" {
		pf, err := LoadPolicyFile(c.PolicyFile)
		if err != nil {
			return Config{}, err
		}
		c.Policy = pf
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.AuthMode {
	case "hs256", "rs256", "oidc_hs256", "oidc_rs256", "off":
	default:
		return fmt.Errorf("AUTH_MODE %q not supported", c.AuthMode)
	}
	if !models.Role(c.AuthDevRole).Valid() {
		return fmt.Errorf("AUTH_DEV_ROLE %q is not a known role", c.AuthDevRole)
	}
	if c.JWKSURL != "" && !auth.IsValidURL(c.JWKSURL) {
		return fmt.Errorf("OIDC_JWKS_URL %q is not an absolute URL", c.JWKSURL)
	}
	for name, v := range map[string]string{"NONCE_BACKEND": c.NonceBackend, "RATE_LIMIT_BACKEND": c.RateLimitBackend} {
		if v != BackendMemory && v != BackendRedis {
			return fmt.Errorf("%s must be %s or %s, got %q", name, BackendMemory, BackendRedis, v)
		}
		if v == BackendRedis && c.RedisAddr == "" {
			return fmt.Errorf("%s=redis requires REDIS_ADDR", name)
		}
	}
	return nil
}

// LoadPolicyFile reads and validates a YAML policy file.
func LoadPolicyFile(path string) (PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicyFile(data)
}

func ParsePolicyFile(data []byte) (PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return PolicyFile{}, fmt.Errorf("parse policy file: %w", err)
	}
	for a := range pf.RateLimits.Ceilings {
		if _, err := models.ParseActionType(a); err != nil {
			return PolicyFile{}, fmt.Errorf("rateLimits.ceilings: %w", err)
		}
	}
	for a, r := range pf.MinRoles {
		if _, err := models.ParseActionType(a); err != nil {
			return PolicyFile{}, fmt.Errorf("minRoles: %w", err)
		}
		if !models.Role(strings.ToLower(r)).Valid() {
			return PolicyFile{}, fmt.Errorf("minRoles: unknown role %q", r)
		}
	}
	switch pf.RateLimits.Granularity {
	case "", policy.GranularityAction, policy.GranularityTool:
	default:
		return PolicyFile{}, fmt.Errorf("rateLimits.granularity must be %q or %q", policy.GranularityAction, policy.GranularityTool)
	}
	return pf, nil
}

// PolicyConfig merges the file over the built-in policy defaults.
func (pf PolicyFile) PolicyConfig() policy.Config {
	cfg := policy.Config{
		Version:     pf.Version,
		Window:      pf.RateLimits.Window,
		Granularity: pf.RateLimits.Granularity,
	}
	if len(pf.RateLimits.Ceilings) > 0 {
		cfg.Ceilings = ratelimit.DefaultCeilings()
		for a, n := range pf.RateLimits.Ceilings {
			at, _ := models.ParseActionType(a)
			cfg.Ceilings[at] = n
		}
	}
	if len(pf.MinRoles) > 0 {
		cfg.MinRoles = policy.DefaultMinRoles()
		for a, r := range pf.MinRoles {
			at, _ := models.ParseActionType(a)
			cfg.MinRoles[at] = models.Role(strings.ToLower(r))
		}
	}
	return cfg
}

// Firewall builds the tool firewall: file prefixes replace the defaults and
// schemas are compiled up front.
func (pf PolicyFile) Firewall() (*firewall.Firewall, error) {
	var prefixes map[string]string
	if len(pf.ScopePrefixes) > 0 {
		prefixes = pf.ScopePrefixes
	}
	fw := firewall.New(prefixes)
	for tool, schema := range pf.Schemas {
		if err := fw.SetSchema(tool, schema); err != nil {
			return nil, fmt.Errorf("schema for %s: %w", tool, err)
		}
	}
	return fw, nil
}

func defaultWorkerID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return fmt.Sprintf("worker-%s-%d", host, os.Getpid())
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
