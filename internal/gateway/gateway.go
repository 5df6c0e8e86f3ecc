// Package gateway wraps the SAML toolkit behind the narrow contract the
// rest of the bridge consumes: build a login/logout redirect, process an
// inbound response, hand back validated attributes. All XML signature and
// condition checking is delegated to gosaml2/goxmldsig; nothing in this
// package re-validates cryptography.
package gateway

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/eidentita/spidbridge/internal/catalog"
	"github.com/eidentita/spidbridge/internal/spid"
)

const nameIDFormatTransient = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"

// SPConfig holds the service-provider side of the federation dialogue,
// shared by every per-IdP Gateway.
type SPConfig struct {
	EntityID string
	ACSURL   string
	SLOURL   string

	OrgName        string
	OrgDisplayName string

	// Level is the requested SPID assurance level (1-3).
	Level int

	// RequestedAttributes is the subset of the SPID attribute set this SP
	// asks the IdP to release.
	RequestedAttributes []string

	SignRequests bool
	KeyStore     dsig.X509KeyStore

	// Clock overrides the validation clock; nil means wall time.
	Clock *dsig.Clock

	Logger hclog.Logger
}

// Assertion is the validated identity statement produced by one inbound
// response. It lives for the duration of a single request.
type Assertion struct {
	NameID       string
	SessionIndex string
	Attributes   map[string][]string
}

// Get returns the first value of an attribute, or "". Multi-valued
// attributes are treated as single scalars by convention.
func (a *Assertion) Get(name string) string {
	if a == nil {
		return ""
	}
	if vs := a.Attributes[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// ValidationError wraps the toolkit's verdict on a response that failed
// signature, condition or audience checks. Reasons are for the server log
// only and must never reach the browser.
type ValidationError struct {
	Reasons []string
	cause   error
}

func (e *ValidationError) Error() string {
	return "saml response validation failed: " + strings.Join(e.Reasons, "; ")
}

func (e *ValidationError) Unwrap() error { return e.cause }

// Gateway binds the SP configuration to one identity provider.
type Gateway struct {
	sp     *saml2.SAMLServiceProvider
	idp    catalog.IdpDescriptor
	logger hclog.Logger
}

// New builds a Gateway for the given IdP descriptor. The descriptor must
// carry a signing certificate.
func New(cfg *SPConfig, idp catalog.IdpDescriptor) (*Gateway, error) {
	certStore, err := certStoreFor(idp.Certificate)
	if err != nil {
		return nil, fmt.Errorf("idp %s: %w", idp.ID, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	keyStore := cfg.KeyStore
	if keyStore == nil {
		keyStore = dsig.RandomKeyStoreForTest()
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      idp.SSOURL,
		IdentityProviderSLOURL:      idp.SLOURL,
		IdentityProviderIssuer:      idp.EntityID,
		ServiceProviderIssuer:       cfg.EntityID,
		AssertionConsumerServiceURL: cfg.ACSURL,
		ServiceProviderSLOURL:       cfg.SLOURL,
		AudienceURI:                 cfg.EntityID,
		IDPCertificateStore:         certStore,
		SPKeyStore:                  keyStore,
		SignAuthnRequests:           cfg.SignRequests,
		NameIdFormat:                nameIDFormatTransient,
		RequestedAuthnContext: &saml2.RequestedAuthnContext{
			Comparison: "minimum",
			Contexts:   []string{spid.LevelContext(cfg.Level)},
		},
	}
	if cfg.Clock != nil {
		sp.Clock = cfg.Clock
	}

	return &Gateway{
		sp:     sp,
		idp:    idp,
		logger: logger.Named("gateway").With("idp", idp.ID),
	}, nil
}

// IdP returns the descriptor this gateway talks to.
func (g *Gateway) IdP() catalog.IdpDescriptor { return g.idp }

// LoginRedirect returns the IdP SSO URL carrying the authn request and the
// relay state. The redirect descriptor is the return value; an error here
// means no redirect happened.
func (g *Gateway) LoginRedirect(relayState string) (string, error) {
	url, err := g.sp.BuildAuthURL(relayState)
	if err != nil {
		return "", fmt.Errorf("build authn request: %w", err)
	}
	return url, nil
}

// LogoutRedirect returns the IdP SLO URL for the given federation session.
func (g *Gateway) LogoutRedirect(relayState, nameID, sessionIndex string) (string, error) {
	doc, err := g.sp.BuildLogoutRequestDocument(nameID, sessionIndex)
	if err != nil {
		return "", fmt.Errorf("build logout request: %w", err)
	}
	url, err := g.sp.BuildLogoutURLRedirect(relayState, doc)
	if err != nil {
		return "", fmt.Errorf("build logout redirect: %w", err)
	}
	return url, nil
}

// ProcessResponse validates an inbound base64 SAMLResponse and returns the
// assertion it carries. Any toolkit rejection comes back as a
// *ValidationError.
func (g *Gateway) ProcessResponse(encodedResponse string) (*Assertion, error) {
	info, err := g.sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return nil, &ValidationError{Reasons: []string{err.Error()}, cause: err}
	}
	if info.WarningInfo != nil {
		var reasons []string
		if info.WarningInfo.InvalidTime {
			reasons = append(reasons, "assertion conditions are outside their validity window")
		}
		if info.WarningInfo.NotInAudience {
			reasons = append(reasons, "assertion audience does not include this SP")
		}
		if len(reasons) > 0 {
			return nil, &ValidationError{Reasons: reasons}
		}
	}

	attrs := make(map[string][]string, len(info.Values))
	for name, attr := range info.Values {
		for _, v := range attr.Values {
			attrs[name] = append(attrs[name], v.Value)
		}
	}
	g.logger.Debug("assertion accepted", "attributes", len(attrs))

	return &Assertion{
		NameID:       info.NameID,
		SessionIndex: info.SessionIndex,
		Attributes:   attrs,
	}, nil
}

// certStoreFor parses a whitespace-tolerant base64 DER certificate into a
// memory cert store for the toolkit.
func certStoreFor(cert string) (dsig.X509CertificateStore, error) {
	parsed, err := parseCert(cert)
	if err != nil {
		return nil, err
	}
	return &dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{parsed},
	}, nil
}

func parseCert(cert string) (*x509.Certificate, error) {
	cert = strings.Join(strings.Fields(cert), "")
	if cert == "" {
		return nil, fmt.Errorf("empty signing certificate")
	}
	der, err := base64.StdEncoding.DecodeString(cert)
	if err != nil {
		return nil, fmt.Errorf("cannot decode certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("cannot parse certificate: %w", err)
	}
	return parsed, nil
}
