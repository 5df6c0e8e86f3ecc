package core

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-hclog"

	"github.com/eidentita/spidbridge/internal/account"
	"github.com/eidentita/spidbridge/internal/catalog"
	"github.com/eidentita/spidbridge/internal/flowlog"
	"github.com/eidentita/spidbridge/internal/gateway"
	"github.com/eidentita/spidbridge/internal/reconcile"
	"github.com/eidentita/spidbridge/internal/relay"
	"github.com/eidentita/spidbridge/internal/spid"
)

// FlashCookie carries the one-shot user-facing notice for the frontend
// to display after a redirect.
const FlashCookie = "spidbridge_notice"

// Server is the HTTP face of the bridge: login initiation, assertion
// consumption, logout, metadata and the admin API.
type Server struct {
	config    *Config
	logger    hclog.Logger
	relay     *relay.Codec
	catalog   *catalog.Catalog
	spConfig  *gateway.SPConfig
	engine    *reconcile.Engine
	sessions  *account.SessionManager
	recorder  *flowlog.Recorder
	refresher *catalog.Refresher
	router    chi.Router

	// gateways caches one Gateway per IdP; building one means parsing
	// the IdP certificate, so they are reused across requests.
	mu       sync.Mutex
	gateways map[string]*gateway.Gateway
}

// NewServer creates a new server instance
func NewServer(
	cfg *Config,
	logger hclog.Logger,
	codec *relay.Codec,
	cat *catalog.Catalog,
	spCfg *gateway.SPConfig,
	engine *reconcile.Engine,
	sessions *account.SessionManager,
	recorder *flowlog.Recorder,
	refresher *catalog.Refresher,
) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger.Named("server"),
		relay:     codec,
		catalog:   cat,
		spConfig:  spCfg,
		engine:    engine,
		sessions:  sessions,
		recorder:  recorder,
		refresher: refresher,
		gateways:  make(map[string]*gateway.Gateway),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))
	r.Use(SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rateLimiter := NewRateLimiter(100, time.Minute)
	r.Use(rateLimiter.Limit)

	// Health check
	r.Get("/health", s.handleHealth)

	// Federation endpoints
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login/{idp}", s.handleLogin)
		r.Get("/acs", s.handleACS)
		r.Post("/acs", s.handleACS)
		r.Get("/logout", s.handleLogout)
		r.Get("/sls", s.handleSLS)
		r.Post("/sls", s.handleSLS)
		r.Get("/metadata", s.handleMetadata)
	})

	// Admin / frontend API
	r.Route("/api", func(r chi.Router) {
		r.Get("/idps", s.handleListIdPs)
		r.Get("/session", s.handleSession)
		r.Post("/metadata/refresh", s.handleRegistryRefresh)
		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleEventsWS)
	})

	s.router = r
}

// gatewayFor resolves (and caches) the Gateway for one IdP.
func (s *Server) gatewayFor(idpID string) (*gateway.Gateway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gw, ok := s.gateways[idpID]; ok {
		return gw, nil
	}
	idp, err := s.catalog.Get(idpID)
	if err != nil {
		return nil, err
	}
	gw, err := gateway.New(s.spConfig, idp)
	if err != nil {
		return nil, err
	}
	s.gateways[idpID] = gw
	return gw, nil
}

// handleLogin starts the federation dialogue: encode the relay state,
// build the authentication request and send the browser to the IdP.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	idpID := chi.URLParam(r, "idp")
	destination := r.URL.Query().Get("destination")

	relayState, err := s.relay.Encode(idpID, destination)
	if err != nil {
		// Open-redirect attempt or broken link; either way the login
		// does not start.
		s.logger.Warn("rejected login destination", "idp", idpID, "destination", destination, "error", err)
		writeError(w, http.StatusBadRequest, "Invalid destination")
		return
	}

	gw, err := s.gatewayFor(idpID)
	if err != nil {
		s.failLogin(w, r, idpID, "prepare gateway", err)
		return
	}
	loginURL, err := gw.LoginRedirect(relayState)
	if err != nil {
		s.failLogin(w, r, idpID, "build authn request", err)
		return
	}

	s.recorder.Record(flowlog.KindLoginStarted, idpID, nil)
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// handleACS consumes the IdP response: validate, reconcile, bind the
// session and return to the destination the login started with.
func (s *Server) handleACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request")
		return
	}
	encoded := r.Form.Get("SAMLResponse")
	if encoded == "" {
		writeError(w, http.StatusBadRequest, "Missing SAMLResponse")
		return
	}

	// A malformed relay state yields empty values and the defaults take
	// over; an inbound response never fails on routing alone.
	idpID, target := s.relay.Decode(r.Form.Get("RelayState"))
	if idpID == "" {
		s.failLogin(w, r, "", "relay state names no identity provider", nil)
		return
	}

	gw, err := s.gatewayFor(idpID)
	if err != nil {
		s.failLogin(w, r, idpID, "resolve gateway", err)
		return
	}

	assertion, err := gw.ProcessResponse(encoded)
	if err != nil {
		s.failLogin(w, r, idpID, "validate response", err)
		return
	}
	s.recorder.Record(flowlog.KindResponseReceived, idpID, nil)

	outcome := s.engine.Reconcile(r.Context(), w, idpID, assertion)
	s.recorder.Record(flowlog.KindReconciled, idpID, map[string]string{
		"status": outcome.Status.String(),
	})

	switch outcome.Status {
	case reconcile.StatusRejected:
		setFlash(w, outcome.Reason)
		http.Redirect(w, r, s.relay.Front(), http.StatusSeeOther)
	case reconcile.StatusFailed:
		s.failLogin(w, r, idpID, "reconcile", outcome.Err)
	default:
		http.Redirect(w, r, s.relay.RedirectAfter(target, true), http.StatusSeeOther)
	}
}

// handleLogout tears down the local session and, when the session carries
// a federation session index, forwards the browser to the IdP single
// logout endpoint.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, err := s.sessions.Read(r)
	s.sessions.Destroy(w)
	if err != nil {
		http.Redirect(w, r, s.relay.Front(), http.StatusSeeOther)
		return
	}

	s.recorder.Record(flowlog.KindLogoutStarted, claims.IdP, nil)
	if claims.IdP != "" && claims.NameID != "" {
		if gw, gwErr := s.gatewayFor(claims.IdP); gwErr == nil {
			// Subject is the local uid here; the IdP hands it back on the
			// SLS leg.
			relayState, _ := s.relay.Encode(strconv.FormatInt(claims.UID(), 10), "")
			logoutURL, buildErr := gw.LogoutRedirect(relayState, claims.NameID, claims.SessionIndex)
			if buildErr == nil {
				http.Redirect(w, r, logoutURL, http.StatusFound)
				return
			}
			s.logger.Error("could not build logout request", "idp", claims.IdP, "error", buildErr)
		}
	}
	http.Redirect(w, r, s.relay.Front(), http.StatusSeeOther)
}

// handleSLS receives the IdP side of single logout. The local session is
// already gone (or goes now); the response content does not change that.
func (s *Server) handleSLS(w http.ResponseWriter, r *http.Request) {
	s.sessions.Destroy(w)
	_ = r.ParseForm()
	_, target := s.relay.Decode(r.Form.Get("RelayState"))
	s.recorder.Record(flowlog.KindLogoutFinished, "", nil)
	http.Redirect(w, r, s.relay.RedirectAfter(target, false), http.StatusSeeOther)
}

// handleMetadata serves the SP metadata document consumed by IdPs and
// the federation registry.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := gateway.SPMetadata(s.spConfig)
	if err != nil {
		s.logger.Error("metadata generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Metadata unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Write(md)
}

type idpSummary struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

func (s *Server) handleListIdPs(w http.ResponseWriter, r *http.Request) {
	list := s.catalog.List()
	out := make([]idpSummary, 0, len(list))
	for _, idp := range list {
		out = append(out, idpSummary{ID: idp.ID, Label: idp.Label})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"idps":     out,
		"test_idp": s.catalog.HasTestEnv(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	claims, err := s.sessions.Read(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "No session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uid":  claims.UID(),
		"name": claims.Name,
		"idp":  claims.IdP,
	})
}

func (s *Server) handleRegistryRefresh(w http.ResponseWriter, r *http.Request) {
	summary, err := s.refresher.Refresh(r.Context(), s.config.MetadataDir)
	if err != nil {
		s.logger.Error("registry refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "Registry unreachable")
		return
	}
	s.recorder.Record(flowlog.KindRegistryRefresh, "", map[string]string{
		"updated": strconv.Itoa(summary.Updated),
		"failed":  strconv.Itoa(len(summary.Failures)),
	})
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.recorder.Events(),
	})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	s.recorder.ServeWS(w, r)
}

// Health check response
type HealthResponse struct {
	Status string   `json:"status"`
	Level  string   `json:"spid_level"`
	IdPs   []string `json:"idps"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0)
	for _, idp := range s.catalog.List() {
		ids = append(ids, idp.ID)
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Level:  spid.LevelContext(s.config.SpidLevel),
		IdPs:   ids,
	})
}

// failLogin ends a broken login attempt the same way regardless of cause:
// full detail to the log and the journal, a generic notice to the user,
// and the browser back at the front page.
func (s *Server) failLogin(w http.ResponseWriter, r *http.Request, idpID, stage string, err error) {
	s.logger.Error("login flow failed", "idp", idpID, "stage", stage, "error", err)
	detail := map[string]string{"stage": stage}
	if err != nil {
		detail["error"] = err.Error()
	}
	s.recorder.Record(flowlog.KindFlowError, idpID, detail)
	setFlash(w, "There was an unexpected problem, please try again.")
	http.Redirect(w, r, s.relay.Front(), http.StatusSeeOther)
}

// setFlash leaves a one-shot notice cookie for the frontend. Not
// HttpOnly: the frontend reads and clears it.
func setFlash(w http.ResponseWriter, message string) {
	if message == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     FlashCookie,
		Value:    url.QueryEscape(message),
		Path:     "/",
		MaxAge:   300,
		SameSite: http.SameSiteLaxMode,
	})
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
