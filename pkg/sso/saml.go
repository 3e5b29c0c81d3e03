package sso

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/gantry-ai/gantry/pkg/config"
)

// LoadSAMLSettings resolves the SAML configuration from the environment.
// Returns a ConfigError naming the first missing required variable.
func LoadSAMLSettings(baseURL string) (*SAMLSettings, error) {
	s := &SAMLSettings{
		IDPEntityID:  os.Getenv(EnvIDPEntityID),
		IDPSSOURL:    os.Getenv(EnvIDPSSOURL),
		IDPCert:      os.Getenv(EnvIDPX509Cert),
		IDPSLOURL:    os.Getenv(EnvIDPSLOURL),
		SPEntityID:   os.Getenv(EnvSPEntityID),
		ACSPath:      os.Getenv(EnvACSPath),
		NameIDFormat: os.Getenv(EnvNameIDFormat),
		SPCert:       os.Getenv(EnvSPX509Cert),
		SPPrivateKey: os.Getenv(EnvSPPrivateKey),
		Attributes:   DefaultAttributeMapping(),
	}

	if s.IDPEntityID == "" {
		return nil, config.MissingEnv(EnvIDPEntityID)
	}
	if s.IDPSSOURL == "" {
		return nil, config.MissingEnv(EnvIDPSSOURL)
	}
	if s.IDPCert == "" {
		return nil, config.MissingEnv(EnvIDPX509Cert)
	}
	// Signing needs the certificate alongside the key for the keystore
	if s.SPPrivateKey != "" && s.SPCert == "" {
		return nil, config.MissingEnv(EnvSPX509Cert)
	}

	if s.SPEntityID == "" {
		s.SPEntityID = baseURL + "/sso/saml/metadata"
	}
	if s.ACSPath == "" {
		s.ACSPath = defaultACSPath
	}
	if s.NameIDFormat == "" {
		s.NameIDFormat = defaultNameIDFormat
	}

	if v := os.Getenv(EnvAttrUserID); v != "" {
		s.Attributes.UserID = v
	}
	if v := os.Getenv(EnvAttrEmail); v != "" {
		s.Attributes.Email = v
	}
	if v := os.Getenv(EnvAttrFirstName); v != "" {
		s.Attributes.FirstName = v
	}
	if v := os.Getenv(EnvAttrLastName); v != "" {
		s.Attributes.LastName = v
	}
	if v := os.Getenv(EnvAttrDisplayName); v != "" {
		s.Attributes.DisplayName = v
	}

	return s, nil
}

// SAMLProvider implements SAML 2.0 SSO against a single IdP
type SAMLProvider struct {
	settings *SAMLSettings
	sp       *saml2.SAMLServiceProvider
	baseURL  string
}

// NewSAMLProvider builds the service provider from resolved settings
func NewSAMLProvider(settings *SAMLSettings, baseURL string) (*SAMLProvider, error) {
	cert, err := parseCertificate(settings.IDPCert)
	if err != nil {
		return nil, &config.ConfigError{Param: EnvIDPX509Cert, Message: err.Error()}
	}

	certStore := dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      settings.IDPSSOURL,
		IdentityProviderIssuer:      settings.IDPEntityID,
		ServiceProviderIssuer:       settings.SPEntityID,
		AssertionConsumerServiceURL: baseURL + settings.ACSPath,
		AudienceURI:                 settings.SPEntityID,
		IDPCertificateStore:         &certStore,
		NameIdFormat:                settings.NameIDFormat,
		// some IdPs send no AttributeStatement at all; NameID still
		// carries enough to log the user in
		AllowMissingAttributes: true,
	}

	// AuthnRequests are signed only when an SP key pair is configured
	if settings.SPPrivateKey != "" {
		keyStore, err := buildKeyStore(settings.SPCert, settings.SPPrivateKey)
		if err != nil {
			return nil, &config.ConfigError{Param: EnvSPPrivateKey, Message: err.Error()}
		}
		sp.SPKeyStore = keyStore
		sp.SignAuthnRequests = true
	}

	return &SAMLProvider{
		settings: settings,
		sp:       sp,
		baseURL:  baseURL,
	}, nil
}

// parseCertificate accepts either PEM or bare base64 DER, since IdP admin
// consoles export both forms.
func parseCertificate(raw string) (*x509.Certificate, error) {
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert, nil
	}

	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(raw), ""))
	if err != nil {
		return nil, fmt.Errorf("certificate is neither PEM nor base64 DER: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func buildKeyStore(certPEM, keyPEM string) (dsig.X509KeyStore, error) {
	keyBlock, _ := pem.Decode([]byte(keyPEM))
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}

	var certDER [][]byte
	if certPEM != "" {
		certBlock, _ := pem.Decode([]byte(certPEM))
		if certBlock == nil {
			return nil, fmt.Errorf("failed to decode SP certificate PEM")
		}
		certDER = [][]byte{certBlock.Bytes}
	}

	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: certDER,
	}, nil
}

// Name returns the provider identifier
func (p *SAMLProvider) Name() string { return "saml" }

// ACSPath returns the configured assertion consumer path
func (p *SAMLProvider) ACSPath() string { return p.settings.ACSPath }

// LoginURL builds the IdP redirect URL carrying the relay state
func (p *SAMLProvider) LoginURL(relayState string) (string, error) {
	authURL, err := p.sp.BuildAuthURL(relayState)
	if err != nil {
		return "", fmt.Errorf("failed to build auth URL: %w", err)
	}
	return authURL, nil
}

// ParseACS validates the posted SAMLResponse and extracts the identity
func (p *SAMLProvider) ParseACS(r *http.Request) (*Identity, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	samlResponse := r.FormValue("SAMLResponse")
	if samlResponse == "" {
		return nil, fmt.Errorf("missing SAMLResponse parameter")
	}

	assertionInfo, err := p.sp.RetrieveAssertionInfo(samlResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to validate assertion: %w", err)
	}

	if assertionInfo.WarningInfo != nil {
		if assertionInfo.WarningInfo.InvalidTime {
			return nil, fmt.Errorf("assertion has invalid time")
		}
		if assertionInfo.WarningInfo.NotInAudience {
			return nil, fmt.Errorf("assertion not in expected audience")
		}
	}

	identity := &Identity{
		Provider:     "saml",
		SessionIndex: assertionInfo.SessionIndex,
		Attributes:   make(map[string]string),
	}

	mapping := p.settings.Attributes
	for _, attr := range assertionInfo.Values {
		if len(attr.Values) == 0 {
			continue
		}
		value := attr.Values[0].Value
		identity.Attributes[attr.Name] = value

		switch attr.Name {
		case mapping.UserID:
			identity.ExternalID = value
		case mapping.Email:
			identity.Email = value
		case mapping.FirstName:
			identity.FirstName = value
		case mapping.LastName:
			identity.LastName = value
		case mapping.DisplayName:
			identity.DisplayName = value
		}
	}

	// NameID backs both id and email when the mapped attributes are absent;
	// with the emailAddress NameID format that is the common IdP default.
	if identity.ExternalID == "" {
		identity.ExternalID = assertionInfo.NameID
	}
	if identity.Email == "" && strings.Contains(assertionInfo.NameID, "@") {
		identity.Email = assertionInfo.NameID
	}

	if identity.ExternalID == "" {
		return nil, fmt.Errorf("missing user ID in SAML assertion")
	}
	if identity.Email == "" {
		return nil, fmt.Errorf("missing email in SAML assertion")
	}

	return identity, nil
}

// Metadata returns the SP EntityDescriptor served at the metadata endpoint
func (p *SAMLProvider) Metadata() ([]byte, error) {
	metadataXML := fmt.Sprintf(`<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
                     entityID="%s">
  <md:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <md:NameIDFormat>%s</md:NameIDFormat>
    <md:AssertionConsumerService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
                                 Location="%s"
                                 index="1"/>
  </md:SPSSODescriptor>
</md:EntityDescriptor>`,
		p.sp.ServiceProviderIssuer,
		p.settings.NameIDFormat,
		p.sp.AssertionConsumerServiceURL)
	return []byte(metadataXML), nil
}

// LogoutURL builds an IdP-bound LogoutRequest redirect, or "" when the IdP
// has no SLO endpoint configured.
func (p *SAMLProvider) LogoutURL(sessionIndex string) (string, error) {
	if p.settings.IDPSLOURL == "" {
		return "", nil
	}

	logoutRequestXML := fmt.Sprintf(`<?xml version="1.0"?>
<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
                     xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
                     ID="_%s"
                     Version="2.0"
                     IssueInstant="%s"
                     Destination="%s">
  <saml:Issuer>%s</saml:Issuer>
  <saml:NameID Format="urn:oasis:names:tc:SAML:2.0:nameid-format:transient"></saml:NameID>
  <samlp:SessionIndex>%s</samlp:SessionIndex>
</samlp:LogoutRequest>`,
		generateRequestID(),
		time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		p.settings.IDPSLOURL,
		p.sp.ServiceProviderIssuer,
		sessionIndex)

	logoutURL, err := url.Parse(p.settings.IDPSLOURL)
	if err != nil {
		return "", fmt.Errorf("invalid SLO URL: %w", err)
	}

	query := logoutURL.Query()
	query.Set("SAMLRequest", base64.StdEncoding.EncodeToString([]byte(logoutRequestXML)))
	logoutURL.RawQuery = query.Encode()
	return logoutURL.String(), nil
}

// generateRequestID generates a random ID for SAML requests
func generateRequestID() string {
	b := make([]byte, 20)
	rand.Read(b)
	return hex.EncodeToString(b)
}
