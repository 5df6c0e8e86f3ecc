package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidentita/spidbridge/internal/spid"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, cfg.BaseURL, cfg.EntityID)
	assert.Equal(t, 1, cfg.SpidLevel)
	assert.Equal(t, spid.Attributes(), cfg.RequestedAttributes)
	assert.Equal(t, spid.AttrFiscalNumber, cfg.NameAttribute)
	assert.False(t, cfg.MatchByEmail)
	assert.NoError(t, cfg.Validate())
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("SPIDBRIDGE_BASE_URL", "https://sp.example.org")
	t.Setenv("SPIDBRIDGE_SPID_LEVEL", "2")
	t.Setenv("SPIDBRIDGE_ENABLED_IDPS", "posteid, arubaid")
	t.Setenv("SPIDBRIDGE_SESSION_TTL", "2h")
	t.Setenv("SPIDBRIDGE_FIELD_MAPPING", "spidCode=field_spid_code,name=field_first_name")

	cfg := LoadConfig()
	assert.Equal(t, "https://sp.example.org", cfg.BaseURL)
	assert.Equal(t, "https://sp.example.org", cfg.EntityID)
	assert.Equal(t, 2, cfg.SpidLevel)
	assert.Equal(t, []string{"posteid", "arubaid"}, cfg.EnabledIdPs)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, map[string]string{
		"spidCode": "field_spid_code",
		"name":     "field_first_name",
	}, cfg.FieldMapping)
	assert.True(t, cfg.SecureCookies, "https base URL defaults to secure cookies")
	assert.Equal(t, "https://sp.example.org/auth/acs", cfg.ACSURL())
	assert.Equal(t, "https://sp.example.org/auth/sls", cfg.SLOURL())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := LoadConfig()

	cfg.BaseURL = "not-a-url"
	assert.Error(t, cfg.Validate())

	cfg = LoadConfig()
	cfg.SpidLevel = 4
	assert.Error(t, cfg.Validate())

	cfg = LoadConfig()
	cfg.RequestedAttributes = []string{"noSuchAttribute"}
	assert.Error(t, cfg.Validate())

	cfg = LoadConfig()
	cfg.Environment = "production"
	require.Error(t, cfg.Validate(), "production requires a session secret and key pair")

	cfg = LoadConfig()
	cfg.TestIdPEnabled = true
	assert.Error(t, cfg.Validate(), "test IdP requires its endpoints and certificate")
}
