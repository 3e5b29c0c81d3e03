package sso

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/config"
	"github.com/gantry-ai/gantry/pkg/httputil"
	"github.com/gantry-ai/gantry/pkg/observability"
)

// Handlers serves the SSO HTTP surface. Providers are constructed lazily on
// first use so a gateway without SSO configured boots and proxies normally.
type Handlers struct {
	db          *sql.DB
	sessions    *SessionManager
	provisioner *Provisioner
	audit       *auth.AuditRecorder
	logger      *observability.Logger
	baseURL     string

	mu   sync.Mutex
	saml *SAMLProvider
	oidc *OIDCProvider
}

// NewHandlers creates the SSO handlers
func NewHandlers(db *sql.DB, baseURL, adminUserID string, audit *auth.AuditRecorder, logger *observability.Logger) *Handlers {
	return &Handlers{
		db:          db,
		sessions:    NewSessionManager(db),
		provisioner: NewProvisioner(db, adminUserID),
		audit:       audit,
		logger:      logger,
		baseURL:     baseURL,
	}
}

// RegisterRoutes registers the SSO routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/sso/saml/metadata", h.samlMetadata).Methods(http.MethodGet)
	router.HandleFunc("/sso/saml/login", h.samlLogin).Methods(http.MethodGet)
	router.HandleFunc("/sso/saml/acs", h.samlACS).Methods(http.MethodPost)
	router.HandleFunc("/sso/saml/slo", h.samlSLO).Methods(http.MethodGet, http.MethodPost)

	router.HandleFunc("/sso/oidc/login", h.oidcLogin).Methods(http.MethodGet)
	router.HandleFunc("/sso/oidc/callback", h.oidcCallback).Methods(http.MethodGet)
}

// samlProvider builds the SAML provider on first use. Construction errors
// are not cached: a fixed environment takes effect on the next request after
// a restart, and a broken one keeps reporting the missing variable.
func (h *Handlers) samlProvider() (*SAMLProvider, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.saml != nil {
		return h.saml, nil
	}

	settings, err := LoadSAMLSettings(h.baseURL)
	if err != nil {
		return nil, err
	}
	provider, err := NewSAMLProvider(settings, h.baseURL)
	if err != nil {
		return nil, err
	}
	h.saml = provider
	return provider, nil
}

func (h *Handlers) oidcProvider(r *http.Request) (*OIDCProvider, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.oidc != nil {
		return h.oidc, nil
	}

	provider, err := NewOIDCProvider(r.Context(), h.baseURL)
	if err != nil {
		return nil, err
	}
	h.oidc = provider
	return provider, nil
}

// writeProviderError distinguishes deployment misconfiguration (500, names
// the variable) from everything else.
func (h *Handlers) writeProviderError(w http.ResponseWriter, err error) {
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		h.logger.WithError(err).Error("SSO misconfigured")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.WithError(err).Error("SSO provider error")
	httputil.WriteInternalError(w, err)
}

func (h *Handlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	provider, err := h.samlProvider()
	if err != nil {
		h.writeProviderError(w, err)
		return
	}

	metadata, err := provider.Metadata()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write(metadata)
}

func (h *Handlers) samlLogin(w http.ResponseWriter, r *http.Request) {
	provider, err := h.samlProvider()
	if err != nil {
		h.writeProviderError(w, err)
		return
	}

	state, err := randomToken(16)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	loginURL, err := provider.LoginURL(state)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	setStateCookie(w, state)
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (h *Handlers) samlACS(w http.ResponseWriter, r *http.Request) {
	provider, err := h.samlProvider()
	if err != nil {
		h.writeProviderError(w, err)
		return
	}

	// RelayState must match the cookie set at login, so only SP-initiated
	// flows are accepted.
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil {
		httputil.WriteBadRequest(w, "missing SSO state cookie")
		return
	}
	if r.FormValue("RelayState") != stateCookie.Value {
		httputil.WriteBadRequest(w, "invalid RelayState")
		return
	}

	identity, err := provider.ParseACS(r)
	if err != nil {
		h.logger.WithError(err).Warn("SAML assertion rejected")
		h.audit.RecordRequest(r, "", "sso.login", "saml", "", err)
		httputil.WriteUnauthorized(w, fmt.Sprintf("authentication failed: %v", err))
		return
	}

	h.finishLogin(w, r, identity)
}

func (h *Handlers) samlSLO(w http.ResponseWriter, r *http.Request) {
	sessionCookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	session, err := h.sessions.Get(r.Context(), sessionCookie.Value)
	ClearSessionCookie(w)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if err := h.sessions.Delete(r.Context(), session.ID); err != nil {
		h.logger.WithError(err).Warn("failed to delete session")
	}

	// Forward logout to the IdP when it exposes an SLO endpoint
	if session.Provider == "saml" && session.SAMLSessionIndex != "" {
		if provider, err := h.samlProvider(); err == nil {
			if logoutURL, err := provider.LogoutURL(session.SAMLSessionIndex); err == nil && logoutURL != "" {
				http.Redirect(w, r, logoutURL, http.StatusFound)
				return
			}
		}
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handlers) oidcLogin(w http.ResponseWriter, r *http.Request) {
	provider, err := h.oidcProvider(r)
	if err != nil {
		h.writeProviderError(w, err)
		return
	}

	state, err := randomToken(16)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	setStateCookie(w, state)
	http.Redirect(w, r, provider.LoginURL(state), http.StatusFound)
}

func (h *Handlers) oidcCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := h.oidcProvider(r)
	if err != nil {
		h.writeProviderError(w, err)
		return
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil {
		httputil.WriteBadRequest(w, "missing SSO state cookie")
		return
	}
	if r.URL.Query().Get("state") != stateCookie.Value {
		httputil.WriteBadRequest(w, "invalid state parameter")
		return
	}

	identity, err := provider.HandleCallback(r.Context(), r)
	if err != nil {
		h.logger.WithError(err).Warn("OIDC callback rejected")
		h.audit.RecordRequest(r, "", "sso.login", "oidc", "", err)
		httputil.WriteUnauthorized(w, fmt.Sprintf("authentication failed: %v", err))
		return
	}

	h.finishLogin(w, r, identity)
}

// finishLogin provisions the user, issues a session, and redirects home
func (h *Handlers) finishLogin(w http.ResponseWriter, r *http.Request, identity *Identity) {
	clearStateCookie(w)

	user, err := h.provisioner.Provision(r.Context(), identity)
	if err != nil {
		h.logger.WithError(err).Error("failed to provision user")
		httputil.WriteInternalError(w, fmt.Errorf("failed to provision user: %w", err))
		return
	}

	session, err := h.sessions.Create(r.Context(), user.ID, identity.Provider, identity.SessionIndex)
	if err != nil {
		h.logger.WithError(err).Error("failed to create session")
		httputil.WriteInternalError(w, fmt.Errorf("failed to create session: %w", err))
		return
	}

	h.audit.RecordRequest(r, user.UserID, "sso.login", identity.Provider, user.UserID, nil)
	h.logger.WithFields(map[string]interface{}{
		"user_id":  user.UserID,
		"provider": identity.Provider,
		"role":     user.Role,
	}).Info("SSO login")

	SetSessionCookie(w, session.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}
