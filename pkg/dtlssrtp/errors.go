package dtlssrtp

import (
	"errors"
)

var (
	ErrUnsupportedCredentials     = errors.New("client credentials must carry an RSA private key")
	ErrKeyingMaterialUnavailable  = errors.New("srtp keying material is not available before handshake completion")
	ErrNoCompatibleProfile        = errors.New("no compatible srtp protection profile negotiated")
	ErrUnknownProfile             = errors.New("unknown srtp protection profile")
	ErrNoProfiles                 = errors.New("no srtp protection profiles configured")
	ErrFingerprintMismatch        = errors.New("remote certificate fingerprint does not match")
	ErrNoRemoteCertificate        = errors.New("remote did not present a certificate")
	ErrMissingCertificateProvider = errors.New("missing certificate provider")
)
