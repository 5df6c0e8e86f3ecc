package gateway

import (
	"encoding/xml"
	"fmt"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"

	"github.com/eidentita/spidbridge/internal/catalog"
)

const attrNameFormatUnspecified = "urn:oasis:names:tc:SAML:2.0:attrname-format:unspecified"

// metadataValidityHours is how far into the future the generated SP
// metadata claims validity.
const metadataValidityHours = 24 * 7

// SPMetadata renders the service provider's EntityDescriptor XML for IdP
// autoconfiguration. The toolkit produces the base document; the SPID
// specifics the toolkit doesn't model (AttributeConsumingService with the
// requested attribute set, Organization) are grafted on afterwards.
func SPMetadata(cfg *SPConfig) ([]byte, error) {
	keyStore := cfg.KeyStore
	if keyStore == nil {
		keyStore = randomKeyStore()
	}
	sp := &saml2.SAMLServiceProvider{
		ServiceProviderIssuer:       cfg.EntityID,
		AssertionConsumerServiceURL: cfg.ACSURL,
		ServiceProviderSLOURL:       cfg.SLOURL,
		AudienceURI:                 cfg.EntityID,
		SPKeyStore:                  keyStore,
		SignAuthnRequests:           cfg.SignRequests,
		NameIdFormat:                nameIDFormatTransient,
	}
	meta, err := sp.MetadataWithSLO(metadataValidityHours)
	if err != nil {
		return nil, fmt.Errorf("build SP metadata: %w", err)
	}
	raw, err := xml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal SP metadata: %w", err)
	}
	return enrichMetadata(raw, cfg)
}

// enrichMetadata injects the AttributeConsumingService and Organization
// elements into the toolkit-produced descriptor.
func enrichMetadata(raw []byte, cfg *SPConfig) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("reparse SP metadata: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("SP metadata has no root element")
	}

	if len(cfg.RequestedAttributes) > 0 {
		spsso := firstElementByLocalName(root, "SPSSODescriptor")
		if spsso == nil {
			return nil, fmt.Errorf("SP metadata has no SPSSODescriptor")
		}
		acs := spsso.CreateElement("AttributeConsumingService")
		acs.CreateAttr("index", "0")
		name := acs.CreateElement("ServiceName")
		name.CreateAttr("xml:lang", "it")
		name.SetText(serviceName(cfg))
		for _, attr := range cfg.RequestedAttributes {
			ra := acs.CreateElement("RequestedAttribute")
			ra.CreateAttr("Name", attr)
			ra.CreateAttr("NameFormat", attrNameFormatUnspecified)
		}
	}

	if cfg.OrgName != "" {
		org := root.CreateElement("Organization")
		for _, el := range []struct{ tag, text string }{
			{"OrganizationName", cfg.OrgName},
			{"OrganizationDisplayName", serviceName(cfg)},
			{"OrganizationURL", cfg.EntityID},
		} {
			e := org.CreateElement(el.tag)
			e.CreateAttr("xml:lang", "it")
			e.SetText(el.text)
		}
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize SP metadata: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func serviceName(cfg *SPConfig) string {
	if cfg.OrgDisplayName != "" {
		return cfg.OrgDisplayName
	}
	return cfg.OrgName
}

func firstElementByLocalName(e *etree.Element, tag string) *etree.Element {
	if els := catalog.ElementsByLocalName(e, tag); len(els) > 0 {
		return els[0]
	}
	return nil
}
