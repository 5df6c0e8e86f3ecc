package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/beevik/etree"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMetadata = `<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.org">
  <md:IDPSSODescriptor>
    <md:KeyDescriptor use="signing">
      <ds:KeyInfo xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
        <ds:X509Data>
          <ds:X509Certificate>
            MIIBsigningCERTdata
            SPLITacrossLINES
          </ds:X509Certificate>
        </ds:X509Data>
      </ds:KeyInfo>
    </md:KeyDescriptor>
    <md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.org/sso"/>
  </md:IDPSSODescriptor>
</md:EntityDescriptor>`

func TestListFiltersToEnabledSet(t *testing.T) {
	c := New([]string{"posteid", "timid"}, TestIdp{}, t.TempDir(), hclog.NewNullLogger())

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "posteid", list[0].ID) // Poste ID sorts before Tim ID
	assert.Equal(t, "timid", list[1].ID)
}

func TestEmptyEnabledSetEnablesEverything(t *testing.T) {
	c := New(nil, TestIdp{}, t.TempDir(), hclog.NewNullLogger())
	assert.Len(t, c.List(), len(Builtin()))
}

func TestGetUnknownOrDisabled(t *testing.T) {
	c := New([]string{"posteid"}, TestIdp{}, t.TempDir(), hclog.NewNullLogger())

	_, err := c.Get("nope")
	assert.ErrorIs(t, err, ErrIdpNotFound)

	_, err = c.Get("timid") // known but not enabled
	assert.ErrorIs(t, err, ErrIdpNotFound)
}

func TestGetResolvesCertificateFromMetadataDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "posteid.xml"), []byte(testMetadata), 0o644))

	c := New([]string{"posteid"}, TestIdp{}, dir, hclog.NewNullLogger())
	d, err := c.Get("posteid")
	require.NoError(t, err)
	assert.Equal(t, "MIIBsigningCERTdataSPLITacrossLINES", d.Certificate)
}

func TestGetWithoutMetadataFails(t *testing.T) {
	c := New([]string{"posteid"}, TestIdp{}, t.TempDir(), hclog.NewNullLogger())
	_, err := c.Get("posteid")
	assert.Error(t, err)
}

func TestTestIdpDescriptor(t *testing.T) {
	ti := TestIdp{
		Enabled:     true,
		EntityID:    "https://testenv.example.org",
		SSOURL:      "https://testenv.example.org/sso",
		SLOURL:      "https://testenv.example.org/slo",
		Certificate: "MIIBtest",
	}
	c := New([]string{TestIdpID}, ti, t.TempDir(), hclog.NewNullLogger())

	assert.True(t, c.HasTestEnv())
	d, err := c.Get(TestIdpID)
	require.NoError(t, err)
	assert.Equal(t, "https://testenv.example.org", d.EntityID)
	assert.Equal(t, "MIIBtest", d.Certificate) // embedded, no metadata lookup

	// Disabled test IdP never shows up even if configured.
	c = New([]string{"posteid"}, ti, t.TempDir(), hclog.NewNullLogger())
	assert.False(t, c.HasTestEnv())
}

func TestElementsByLocalNameIgnoresPrefixes(t *testing.T) {
	tree := etree.NewDocument()
	require.NoError(t, tree.ReadFromBytes([]byte(testMetadata)))

	els := ElementsByLocalName(tree.Root(), "X509Certificate")
	require.Len(t, els, 1)
	assert.Equal(t, "ds", els[0].Space)

	assert.Empty(t, ElementsByLocalName(tree.Root(), "AttributeConsumingService"))
}

func TestExtractSigningCertPrefersSigningUse(t *testing.T) {
	doc := `<EntityDescriptor>
  <IDPSSODescriptor>
    <KeyDescriptor use="encryption"><KeyInfo><X509Data><X509Certificate>ENCCERT</X509Certificate></X509Data></KeyInfo></KeyDescriptor>
    <KeyDescriptor><KeyInfo><X509Data><X509Certificate>ANYCERT</X509Certificate></X509Data></KeyInfo></KeyDescriptor>
    <KeyDescriptor use="signing"><KeyInfo><X509Data><X509Certificate>SIGNCERT</X509Certificate></X509Data></KeyInfo></KeyDescriptor>
  </IDPSSODescriptor>
</EntityDescriptor>`
	cert, err := extractSigningCert([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "SIGNCERT", cert)
}

func TestExtractSigningCertFallsBackToUnqualified(t *testing.T) {
	doc := `<EntityDescriptor><IDPSSODescriptor>
    <KeyDescriptor><KeyInfo><X509Data><X509Certificate>ANYCERT</X509Certificate></X509Data></KeyInfo></KeyDescriptor>
  </IDPSSODescriptor></EntityDescriptor>`
	cert, err := extractSigningCert([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "ANYCERT", cert)
}

func TestExtractSigningCertErrors(t *testing.T) {
	_, err := extractSigningCert([]byte("not xml at all <"))
	assert.Error(t, err)

	_, err = extractSigningCert([]byte("<EntityDescriptor/>"))
	assert.Error(t, err)
}
