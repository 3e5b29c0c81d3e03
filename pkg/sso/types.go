package sso

import "time"

// SAML environment variables, matching the documented deployment surface
const (
	EnvIDPEntityID  = "SAML_IDP_ENTITY_ID"
	EnvIDPSSOURL    = "SAML_IDP_SSO_URL"
	EnvIDPX509Cert  = "SAML_IDP_X509_CERT"
	EnvIDPSLOURL    = "SAML_IDP_SLO_URL"
	EnvSPEntityID   = "SAML_ENTITY_ID"
	EnvACSPath      = "SAML_ACS_PATH"
	EnvNameIDFormat = "SAML_NAME_ID_FORMAT"
	EnvSPX509Cert   = "SAML_SP_X509_CERT"
	EnvSPPrivateKey = "SAML_SP_PRIVATE_KEY"

	EnvAttrUserID      = "SAML_USER_ID_ATTRIBUTE"
	EnvAttrEmail       = "SAML_USER_EMAIL_ATTRIBUTE"
	EnvAttrFirstName   = "SAML_USER_FIRST_NAME_ATTRIBUTE"
	EnvAttrLastName    = "SAML_USER_LAST_NAME_ATTRIBUTE"
	EnvAttrDisplayName = "SAML_USER_DISPLAY_NAME_ATTRIBUTE"
)

// OIDC environment variables for the generic OIDC provider
const (
	EnvOIDCIssuerURL    = "OIDC_ISSUER_URL"
	EnvOIDCClientID     = "OIDC_CLIENT_ID"
	EnvOIDCClientSecret = "OIDC_CLIENT_SECRET"
	EnvOIDCScopes       = "OIDC_SCOPES"
)

const (
	defaultACSPath      = "/sso/saml/acs"
	defaultNameIDFormat = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
)

// AttributeMapping names the assertion attributes carrying each user field
type AttributeMapping struct {
	UserID      string
	Email       string
	FirstName   string
	LastName    string
	DisplayName string
}

// DefaultAttributeMapping matches what most IdP quick-setup wizards emit
func DefaultAttributeMapping() AttributeMapping {
	return AttributeMapping{
		UserID:      "email",
		Email:       "email",
		FirstName:   "firstName",
		LastName:    "lastName",
		DisplayName: "displayName",
	}
}

// SAMLSettings is the resolved SAML configuration
type SAMLSettings struct {
	IDPEntityID  string
	IDPSSOURL    string
	IDPCert      string
	IDPSLOURL    string
	SPEntityID   string
	ACSPath      string
	NameIDFormat string
	SPCert       string
	SPPrivateKey string
	Attributes   AttributeMapping
}

// Identity is the user asserted by an SSO provider
type Identity struct {
	// Provider is "saml" or "oidc"
	Provider string `json:"provider"`
	// ExternalID uniquely identifies the user at the IdP
	ExternalID  string            `json:"external_id"`
	Email       string            `json:"email"`
	FirstName   string            `json:"first_name,omitempty"`
	LastName    string            `json:"last_name,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	// SessionIndex is the SAML session index, used for single logout
	SessionIndex string            `json:"-"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// FullName composes a display name when the IdP did not send one
func (i *Identity) FullName() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	if i.FirstName != "" && i.LastName != "" {
		return i.FirstName + " " + i.LastName
	}
	if i.FirstName != "" {
		return i.FirstName
	}
	return i.Email
}

// User is a provisioned gateway user
type User struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	FirstName   string     `json:"first_name,omitempty"`
	LastName    string     `json:"last_name,omitempty"`
	Role        string     `json:"role"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Session is a database-backed SSO session
type Session struct {
	ID               string    `json:"id"`
	UserID           int64     `json:"user_id"`
	Provider         string    `json:"provider"`
	SAMLSessionIndex string    `json:"saml_session_index,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}
