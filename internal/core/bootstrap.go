package core

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/eidentita/spidbridge/internal/account"
	"github.com/eidentita/spidbridge/internal/catalog"
	"github.com/eidentita/spidbridge/internal/flowlog"
	"github.com/eidentita/spidbridge/internal/gateway"
	"github.com/eidentita/spidbridge/internal/reconcile"
	"github.com/eidentita/spidbridge/internal/relay"
)

// App holds the bridge's initialized dependencies.
type App struct {
	Config    *Config
	Logger    hclog.Logger
	Store     *account.Store
	Sessions  *account.SessionManager
	Binder    *account.Binder
	Catalog   *catalog.Catalog
	Relay     *relay.Codec
	Recorder  *flowlog.Recorder
	Engine    *reconcile.Engine
	Refresher *catalog.Refresher
	Server    *Server
}

// Bootstrap loads configuration and wires every component together.
func Bootstrap() (*App, error) {
	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := hclog.Info
	if cfg.Debug {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "spidbridge",
		Level:      level,
		JSONFormat: cfg.IsProduction(),
	})

	var keyStore dsig.X509KeyStore
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		ks, err := gateway.LoadKeyStore(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		keyStore = ks
	} else {
		logger.Warn("no SP key pair configured, using an ephemeral one")
	}

	testIdp := catalog.TestIdp{
		Enabled:  cfg.TestIdPEnabled,
		EntityID: cfg.TestIdPEntityID,
		SSOURL:   cfg.TestIdPSSOURL,
		SLOURL:   cfg.TestIdPSLOURL,
	}
	if cfg.TestIdPEnabled {
		cert, err := os.ReadFile(cfg.TestIdPCertFile)
		if err != nil {
			return nil, fmt.Errorf("read test IdP certificate: %w", err)
		}
		testIdp.Certificate = string(cert)
	}
	cat := catalog.New(cfg.EnabledIdPs, testIdp, cfg.MetadataDir, logger)

	codec, err := relay.NewCodec(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	store, err := account.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	secret := cfg.SessionSecret
	if secret == "" {
		// Development convenience: sessions do not survive a restart.
		secret = uuid.NewString()
		logger.Warn("no session secret configured, sessions reset on restart")
	}
	sessions := account.NewSessionManager([]byte(secret), cfg.SessionTTL, cfg.BaseURL, cfg.SecureCookies, logger)
	binder := account.NewBinder(store, sessions, logger)

	recorder := flowlog.NewRecorder(256, logger)

	syncPolicy := reconcile.NewSyncPolicy(
		cfg.NameAttribute, cfg.MailAttribute, cfg.FieldMapping,
		journalNotifier{recorder}, logger)
	engine := reconcile.New(reconcile.Config{
		NameAttribute: cfg.NameAttribute,
		MailAttribute: cfg.MailAttribute,
		MatchByEmail:  cfg.MatchByEmail,
		Binder:        binder,
		Sync:          syncPolicy,
		Logger:        logger,
	})

	refresher := catalog.NewRefresher(cfg.RegistryURL, logger)

	spCfg := &gateway.SPConfig{
		EntityID:            cfg.EntityID,
		ACSURL:              cfg.ACSURL(),
		SLOURL:              cfg.SLOURL(),
		OrgName:             cfg.OrgName,
		OrgDisplayName:      cfg.OrgDisplayName,
		Level:               cfg.SpidLevel,
		RequestedAttributes: cfg.RequestedAttributes,
		SignRequests:        cfg.SignRequests,
		KeyStore:            keyStore,
		Logger:              logger,
	}

	server := NewServer(cfg, logger, codec, cat, spCfg, engine, sessions, recorder, refresher)
	logger.Info("bridge initialized",
		"base_url", cfg.BaseURL, "spid_level", cfg.SpidLevel, "idps", len(cat.List()))

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Sessions:  sessions,
		Binder:    binder,
		Catalog:   cat,
		Relay:     codec,
		Recorder:  recorder,
		Engine:    engine,
		Refresher: refresher,
		Server:    server,
	}, nil
}

// Close releases held resources.
func (a *App) Close() error {
	return a.Store.Close()
}

// journalNotifier surfaces non-fatal sync notices on the diagnostics
// stream; the bridge renders no pages of its own to flash them on.
type journalNotifier struct {
	rec *flowlog.Recorder
}

func (n journalNotifier) Notice(message string) {
	n.rec.Record(flowlog.KindNotice, "", map[string]string{"message": message})
}
