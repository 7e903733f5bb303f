package dtlssrtp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/pkg/errors"
)

const rsaKeyBits = 2048

// CertificateProvider hands out the certificate and private key used for
// every handshake of a session.
type CertificateProvider interface {
	Certificate() (tls.Certificate, error)
}

type CertificateProviderFunc func() (tls.Certificate, error)

func (f CertificateProviderFunc) Certificate() (tls.Certificate, error) {
	return f()
}

// selfSignedProvider generates one RSA certificate on first use and keeps it.
type selfSignedProvider struct {
	once sync.Once
	cert tls.Certificate
	err  error
}

func NewSelfSignedProvider() CertificateProvider {
	return &selfSignedProvider{}
}

func (p *selfSignedProvider) Certificate() (tls.Certificate, error) {
	p.once.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			p.err = errors.Wrap(err, "could not generate rsa key")
			return
		}
		p.cert, p.err = selfsign.SelfSign(key)
		if p.err == nil && p.cert.Leaf == nil {
			p.cert.Leaf, p.err = x509.ParseCertificate(p.cert.Certificate[0])
		}
	})
	return p.cert, p.err
}

// NewFileProvider loads a PEM encoded certificate and key once.
func NewFileProvider(certFile, keyFile string) (CertificateProvider, error) {
	certPath, err := homedir.Expand(certFile)
	if err != nil {
		return nil, err
	}
	keyPath, err := homedir.Expand(keyFile)
	if err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load certificate %s", certPath)
	}
	return CertificateProviderFunc(func() (tls.Certificate, error) {
		return cert, nil
	}), nil
}
