// Package spid holds the fixed vocabulary of the SPID federation: the
// attribute set an IdP may release and the authentication levels a service
// provider may request.
package spid

// Attribute names as released by SPID identity providers.
const (
	AttrFiscalNumber     = "fiscalNumber"
	AttrName             = "name"
	AttrFamilyName       = "familyName"
	AttrGender           = "gender"
	AttrIDCard           = "idCard"
	AttrExpirationDate   = "expirationDate"
	AttrDateOfBirth      = "dateOfBirth"
	AttrPlaceOfBirth     = "placeOfBirth"
	AttrCountyOfBirth    = "countyOfBirth"
	AttrDigitalAddress   = "digitalAddress"
	AttrEmail            = "email"
	AttrMobilePhone      = "mobilePhone"
	AttrCompanyName      = "companyName"
	AttrRegisteredOffice = "registeredOffice"
	AttrIvaCode          = "ivaCode"
	AttrSpidCode         = "spidCode"
)

// attributeLabels maps every SPID attribute to a human readable label, in
// release order. The admin field mapping is keyed on these names.
var attributeLabels = []struct{ Name, Label string }{
	{AttrFiscalNumber, "Fiscal number"},
	{AttrName, "Name"},
	{AttrFamilyName, "Family name"},
	{AttrGender, "Gender"},
	{AttrIDCard, "Id card"},
	{AttrExpirationDate, "Expiration date"},
	{AttrDateOfBirth, "Date of birth"},
	{AttrPlaceOfBirth, "Place of birth"},
	{AttrCountyOfBirth, "County of birth"},
	{AttrDigitalAddress, "Digital address"},
	{AttrEmail, "Email"},
	{AttrMobilePhone, "Mobile phone"},
	{AttrCompanyName, "Company name"},
	{AttrRegisteredOffice, "Registered office"},
	{AttrIvaCode, "Iva code"},
	{AttrSpidCode, "SPID code"},
}

// Attributes returns the canonical ordered list of SPID attribute names.
func Attributes() []string {
	names := make([]string, len(attributeLabels))
	for i, a := range attributeLabels {
		names[i] = a.Name
	}
	return names
}

// AttributeLabel returns the display label for an attribute name, or the
// name itself when unknown.
func AttributeLabel(name string) string {
	for _, a := range attributeLabels {
		if a.Name == name {
			return a.Label
		}
	}
	return name
}

// IsAttribute reports whether name is part of the SPID attribute set.
func IsAttribute(name string) bool {
	for _, a := range attributeLabels {
		if a.Name == name {
			return true
		}
	}
	return false
}

// AuthnContext class references for the three SPID assurance levels.
var levelContexts = map[int]string{
	1: "https://www.spid.gov.it/SpidL1",
	2: "https://www.spid.gov.it/SpidL2",
	3: "https://www.spid.gov.it/SpidL3",
}

// LevelContext returns the AuthnContextClassRef URI for a SPID level,
// defaulting to level 1 for out-of-range values.
func LevelContext(level int) string {
	if ctx, ok := levelContexts[level]; ok {
		return ctx
	}
	return levelContexts[1]
}
