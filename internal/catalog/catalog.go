// Package catalog is the registry of SPID identity providers the bridge is
// willing to talk to: a static table of production IdPs, an optional
// admin-configured test IdP, and a refresh routine that pulls current
// metadata from the federation registry.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/hashicorp/go-hclog"
)

// ErrIdpNotFound is returned by Get for unknown or disabled providers.
var ErrIdpNotFound = errors.New("identity provider not found or not enabled")

// TestIdpID is the descriptor id reserved for the configurable test IdP.
const TestIdpID = "test"

// IdpDescriptor describes one identity provider endpoint set. Immutable
// once handed out.
type IdpDescriptor struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	EntityID string `json:"entity_id"`
	SSOURL   string `json:"sso_url"`
	SLOURL   string `json:"slo_url"`

	// Certificate is the base64 DER signing certificate. Empty for built-in
	// descriptors; resolved from the metadata directory on Get.
	Certificate string `json:"-"`
}

// TestIdp carries the admin-entered values for the test environment IdP.
type TestIdp struct {
	Enabled     bool
	EntityID    string
	SSOURL      string
	SLOURL      string
	Certificate string
}

// Catalog is the enabled, resolvable set of IdP descriptors.
type Catalog struct {
	descriptors map[string]IdpDescriptor
	enabled     map[string]bool
	metadataDir string
	logger      hclog.Logger
}

// New builds a catalog from the built-in table plus an optional test IdP.
// enabledIDs filters the exposed set; an empty list enables everything.
func New(enabledIDs []string, testIdp TestIdp, metadataDir string, logger hclog.Logger) *Catalog {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Catalog{
		descriptors: make(map[string]IdpDescriptor),
		enabled:     make(map[string]bool),
		metadataDir: metadataDir,
		logger:      logger.Named("catalog"),
	}
	for _, d := range builtin {
		c.descriptors[d.ID] = d
	}
	if testIdp.Enabled {
		c.descriptors[TestIdpID] = IdpDescriptor{
			ID:          TestIdpID,
			Label:       "Test IdP",
			EntityID:    testIdp.EntityID,
			SSOURL:      testIdp.SSOURL,
			SLOURL:      testIdp.SLOURL,
			Certificate: testIdp.Certificate,
		}
	}
	if len(enabledIDs) == 0 {
		for id := range c.descriptors {
			c.enabled[id] = true
		}
	} else {
		for _, id := range enabledIDs {
			c.enabled[strings.TrimSpace(id)] = true
		}
	}
	return c
}

// List returns the enabled descriptors sorted by label.
func (c *Catalog) List() []IdpDescriptor {
	out := make([]IdpDescriptor, 0, len(c.descriptors))
	for id, d := range c.descriptors {
		if c.enabled[id] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Get resolves an enabled descriptor by id, filling in the signing
// certificate from the metadata directory when the descriptor does not
// embed one.
func (c *Catalog) Get(id string) (IdpDescriptor, error) {
	d, ok := c.descriptors[id]
	if !ok || !c.enabled[id] {
		return IdpDescriptor{}, fmt.Errorf("%w: %s", ErrIdpNotFound, id)
	}
	if d.Certificate == "" {
		cert, err := c.certFromMetadata(id)
		if err != nil {
			return IdpDescriptor{}, fmt.Errorf("no signing certificate for idp %s (refresh metadata?): %w", id, err)
		}
		d.Certificate = cert
	}
	return d, nil
}

// HasTestEnv reports whether the test IdP is part of the enabled set.
func (c *Catalog) HasTestEnv() bool {
	_, ok := c.descriptors[TestIdpID]
	return ok && c.enabled[TestIdpID]
}

// certFromMetadata extracts the signing X509Certificate from the IdP's
// downloaded metadata document.
func (c *Catalog) certFromMetadata(id string) (string, error) {
	path := filepath.Join(c.metadataDir, id+".xml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return extractSigningCert(raw)
}

// extractSigningCert pulls the first signing (or unqualified) certificate
// out of a SAML EntityDescriptor document. Elements are matched by local
// name so the metadata's namespace prefixes don't matter.
func extractSigningCert(doc []byte) (string, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(doc); err != nil {
		return "", fmt.Errorf("invalid metadata XML: %w", err)
	}
	root := tree.Root()
	if root == nil {
		return "", errors.New("empty metadata document")
	}
	var fallback string
	for _, kd := range ElementsByLocalName(root, "KeyDescriptor") {
		certs := ElementsByLocalName(kd, "X509Certificate")
		if len(certs) == 0 {
			continue
		}
		value := strings.Join(strings.Fields(certs[0].Text()), "")
		if value == "" {
			continue
		}
		switch kd.SelectAttrValue("use", "") {
		case "signing":
			return value, nil
		case "":
			if fallback == "" {
				fallback = value
			}
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", errors.New("metadata contains no signing certificate")
}

// ElementsByLocalName collects all descendants of e with the given local
// tag name, in document order. Matching ignores namespace prefixes, which
// vary across IdP metadata producers. Shared with the gateway's metadata
// enrichment.
func ElementsByLocalName(e *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, child := range e.ChildElements() {
		if child.Tag == tag {
			out = append(out, child)
		}
		out = append(out, ElementsByLocalName(child, tag)...)
	}
	return out
}
