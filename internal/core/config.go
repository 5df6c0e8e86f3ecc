package core

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eidentita/spidbridge/internal/spid"
)

// Config holds the application configuration
type Config struct {
	// Environment (development, demo, production)
	Environment string

	// Server listening address
	ListenAddr string

	// Base URL for constructing absolute URLs (the site the bridge
	// protects)
	BaseURL string

	// SAML entity ID of this service provider; defaults to BaseURL
	EntityID string

	// Organization published in the SP metadata
	OrgName        string
	OrgDisplayName string

	// Requested SPID assurance level (1-3)
	SpidLevel int

	// Attributes requested from the identity providers
	RequestedAttributes []string

	// Sign outgoing authentication requests
	SignRequests bool

	// PEM certificate/key pair used for request signing and metadata.
	// Empty in development means an ephemeral pair.
	CertFile string
	KeyFile  string

	// Identity providers enabled for login; empty enables all known ones
	EnabledIdPs []string

	// Directory holding downloaded IdP metadata files (<id>.xml)
	MetadataDir string

	// Federation registry index URL for metadata refresh
	RegistryURL string

	// Test identity provider (validation environments)
	TestIdPEnabled  bool
	TestIdPEntityID string
	TestIdPSSOURL   string
	TestIdPSLOURL   string
	TestIdPCertFile string

	// SQLite database path
	DBPath string

	// Session cookie signing secret and lifetime
	SessionSecret string
	SessionTTL    time.Duration
	SecureCookies bool

	// Reconciliation: identity key attribute, mail attribute, and the
	// attribute -> profile field mapping
	NameAttribute string
	MailAttribute string
	FieldMapping  map[string]string

	// Link unlinked local accounts by email equality. Off by default;
	// see the reconciliation engine for the trade-off.
	MatchByEmail bool

	// CORS allowed origins
	CORSOrigins []string

	// Enable debug logging
	Debug bool
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() *Config {
	base := getEnv("SPIDBRIDGE_BASE_URL", "http://localhost:8080")

	cfg := &Config{
		Environment:         getEnv("SPIDBRIDGE_ENV", "development"),
		ListenAddr:          getEnv("SPIDBRIDGE_LISTEN_ADDR", ":8080"),
		BaseURL:             base,
		EntityID:            getEnv("SPIDBRIDGE_ENTITY_ID", base),
		OrgName:             getEnv("SPIDBRIDGE_ORG_NAME", "spidbridge"),
		OrgDisplayName:      getEnv("SPIDBRIDGE_ORG_DISPLAY_NAME", "SPID Bridge"),
		SpidLevel:           getEnvInt("SPIDBRIDGE_SPID_LEVEL", 1),
		RequestedAttributes: getEnvList("SPIDBRIDGE_ATTRIBUTES", spid.Attributes()),
		SignRequests:        getEnvBool("SPIDBRIDGE_SIGN_REQUESTS", true),
		CertFile:            getEnv("SPIDBRIDGE_CERT_FILE", ""),
		KeyFile:             getEnv("SPIDBRIDGE_KEY_FILE", ""),
		EnabledIdPs:         getEnvList("SPIDBRIDGE_ENABLED_IDPS", nil),
		MetadataDir:         getEnv("SPIDBRIDGE_METADATA_DIR", "data/idp_metadata"),
		RegistryURL:         getEnv("SPIDBRIDGE_REGISTRY_URL", ""),
		TestIdPEnabled:      getEnvBool("SPIDBRIDGE_TEST_IDP", false),
		TestIdPEntityID:     getEnv("SPIDBRIDGE_TEST_IDP_ENTITY_ID", ""),
		TestIdPSSOURL:       getEnv("SPIDBRIDGE_TEST_IDP_SSO_URL", ""),
		TestIdPSLOURL:       getEnv("SPIDBRIDGE_TEST_IDP_SLO_URL", ""),
		TestIdPCertFile:     getEnv("SPIDBRIDGE_TEST_IDP_CERT_FILE", ""),
		DBPath:              getEnv("SPIDBRIDGE_DB_PATH", "data/spidbridge.db"),
		SessionSecret:       getEnv("SPIDBRIDGE_SESSION_SECRET", ""),
		SessionTTL:          getEnvDuration("SPIDBRIDGE_SESSION_TTL", 24*time.Hour),
		SecureCookies:       getEnvBool("SPIDBRIDGE_SECURE_COOKIES", strings.HasPrefix(base, "https://")),
		NameAttribute:       getEnv("SPIDBRIDGE_NAME_ATTRIBUTE", spid.AttrFiscalNumber),
		MailAttribute:       getEnv("SPIDBRIDGE_MAIL_ATTRIBUTE", spid.AttrEmail),
		FieldMapping:        getEnvMap("SPIDBRIDGE_FIELD_MAPPING", nil),
		MatchByEmail:        getEnvBool("SPIDBRIDGE_MATCH_BY_EMAIL", false),
		CORSOrigins:         getEnvList("SPIDBRIDGE_CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		Debug:               getEnvBool("SPIDBRIDGE_DEBUG", false),
	}

	return cfg
}

// Validate rejects configurations that cannot produce a working bridge.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("base URL %q is not an absolute URL", c.BaseURL)
	}
	if c.SpidLevel < 1 || c.SpidLevel > 3 {
		return fmt.Errorf("SPID level %d out of range (1-3)", c.SpidLevel)
	}
	for _, a := range c.RequestedAttributes {
		if !spid.IsAttribute(a) {
			return fmt.Errorf("unknown SPID attribute %q", a)
		}
	}
	if c.IsProduction() {
		if c.SessionSecret == "" {
			return fmt.Errorf("SPIDBRIDGE_SESSION_SECRET is required in production")
		}
		if c.CertFile == "" || c.KeyFile == "" {
			return fmt.Errorf("SP certificate and key are required in production")
		}
	}
	if c.TestIdPEnabled {
		if c.TestIdPEntityID == "" || c.TestIdPSSOURL == "" || c.TestIdPCertFile == "" {
			return fmt.Errorf("test IdP requires entity ID, SSO URL and certificate file")
		}
	}
	return nil
}

// ACSURL is the assertion consumer service endpoint.
func (c *Config) ACSURL() string { return strings.TrimRight(c.BaseURL, "/") + "/auth/acs" }

// SLOURL is the single logout service endpoint.
func (c *Config) SLOURL() string { return strings.TrimRight(c.BaseURL, "/") + "/auth/sls" }

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvMap parses "key=value,key2=value2" pairs.
func getEnvMap(key string, defaultValue map[string]string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
