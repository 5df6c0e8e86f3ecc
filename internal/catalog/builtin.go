package catalog

// Built-in descriptors for the SPID production identity providers. The set
// is a static table rather than a discovery mechanism: entries change only
// with a federation-level event, which is rare enough that a code change is
// the right vehicle.
//
// Signing certificates rotate on the providers' schedule, so they are not
// pinned here; they are read from the metadata documents placed in the
// metadata directory by a registry refresh. A descriptor with an embedded
// Certificate (the test IdP, admin-supplied) bypasses that lookup.
var builtin = []IdpDescriptor{
	{
		ID:       "arubaid",
		Label:    "Aruba ID",
		EntityID: "https://loginspid.aruba.it",
		SSOURL:   "https://loginspid.aruba.it/ServiceLoginWelcome",
		SLOURL:   "https://loginspid.aruba.it/ServiceLogoutRequest",
	},
	{
		ID:       "infocertid",
		Label:    "Infocert ID",
		EntityID: "https://identity.infocert.it",
		SSOURL:   "https://identity.infocert.it/spid/samlsso",
		SLOURL:   "https://identity.infocert.it/spid/samlslo",
	},
	{
		ID:       "intesaid",
		Label:    "Intesa ID",
		EntityID: "https://spid.intesa.it",
		SSOURL:   "https://spid.intesa.it/Time4UserServices/services/idp/AuthnRequest/",
		SLOURL:   "https://spid.intesa.it/Time4UserServices/services/idp/SingleLogout",
	},
	{
		ID:       "lepidaid",
		Label:    "Lepida ID",
		EntityID: "https://id.lepida.it/idp/shibboleth",
		SSOURL:   "https://id.lepida.it/idp/profile/SAML2/Redirect/SSO",
		SLOURL:   "https://id.lepida.it/idp/profile/SAML2/Redirect/SLO",
	},
	{
		ID:       "namirialid",
		Label:    "Namirial ID",
		EntityID: "https://idp.namirialtsp.com/idp",
		SSOURL:   "https://idp.namirialtsp.com/idp/profile/SAML2/Redirect/SSO",
		SLOURL:   "https://idp.namirialtsp.com/idp/profile/SAML2/Redirect/SLO",
	},
	{
		ID:       "posteid",
		Label:    "Poste ID",
		EntityID: "https://posteid.poste.it",
		SSOURL:   "https://posteid.poste.it/jod-fs/ssoservicepost",
		SLOURL:   "https://posteid.poste.it/jod-fs/sloservicepost",
	},
	{
		ID:       "sielteid",
		Label:    "Sielte ID",
		EntityID: "https://identity.sieltecloud.it",
		SSOURL:   "https://identity.sieltecloud.it/simplesaml/saml2/idp/SSOService.php",
		SLOURL:   "https://identity.sieltecloud.it/simplesaml/saml2/idp/SingleLogoutService.php",
	},
	{
		ID:       "spiditalia",
		Label:    "SPIDItalia Register.it",
		EntityID: "https://spid.register.it",
		SSOURL:   "https://spid.register.it/login/sso",
		SLOURL:   "https://spid.register.it/login/slo",
	},
	{
		ID:       "timid",
		Label:    "Tim ID",
		EntityID: "https://login.id.tim.it/affwebservices/public/saml2sso",
		SSOURL:   "https://login.id.tim.it/affwebservices/public/saml2sso",
		SLOURL:   "https://login.id.tim.it/affwebservices/public/saml2slo",
	},
}

// Builtin returns a copy of the built-in production descriptors.
func Builtin() []IdpDescriptor {
	out := make([]IdpDescriptor, len(builtin))
	copy(out, builtin)
	return out
}
