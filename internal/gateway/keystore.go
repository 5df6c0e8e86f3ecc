package gateway

import (
	"crypto/tls"
	"fmt"

	dsig "github.com/russellhaering/goxmldsig"
)

// LoadKeyStore reads the SP certificate/key PEM pair used to sign outgoing
// requests and the generated metadata.
func LoadKeyStore(certFile, keyFile string) (dsig.X509KeyStore, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load SP key pair: %w", err)
	}
	return dsig.TLSCertKeyStore(cert), nil
}

// randomKeyStore returns an ephemeral key store. Useful for development
// and tests; production deployments configure a persistent key pair.
func randomKeyStore() dsig.X509KeyStore {
	return dsig.RandomKeyStoreForTest()
}
