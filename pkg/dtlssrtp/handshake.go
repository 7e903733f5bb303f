package dtlssrtp

import (
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/dtls/v2/pkg/protocol/alert"
	"github.com/pion/dtls/v2/pkg/protocol/extension"
	"github.com/pion/srtp/v2"

	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
)

type HandshakeParams struct {
	// Peer identifies the remote end for session resumption.
	Peer                string
	Profiles            []dtls.SRTPProtectionProfile
	CertificateProvider CertificateProvider
	OnAlert             func(Alert)
	Logger              logger.Logger

	sessions *sessionCache
}

// Handshake is the client side state of one DTLS-SRTP handshake. It
// implements HandshakeHooks; the accessors are safe to call from any
// goroutine.
type Handshake struct {
	params HandshakeParams

	lock sync.Mutex

	credentialsLoaded bool
	credentials       *tls.Certificate
	credentialsErr    error

	profile       dtls.SRTPProtectionProfile
	serverVersion protocol.Version

	sessionID []byte
	resumed   bool

	complete       bool
	keyingMaterial []byte

	alerts []Alert
}

func NewHandshake(params HandshakeParams) *Handshake {
	if len(params.Profiles) == 0 {
		params.Profiles = DefaultProfiles
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Handshake{
		params: params,
	}
}

func (h *Handshake) ClientExtensions(base []extension.Extension) []extension.Extension {
	for _, ext := range base {
		if ext.TypeValue() == extension.UseSRTPTypeValue {
			return base
		}
	}

	extensions := make([]extension.Extension, 0, len(base)+1)
	extensions = append(extensions, base...)
	return append(extensions, &extension.UseSRTP{
		ProtectionProfiles: append([]dtls.SRTPProtectionProfile(nil), h.params.Profiles...),
	})
}

func (h *Handshake) ProcessServerExtensions(extensions []extension.Extension) {
	var offered []dtls.SRTPProtectionProfile
	found := false
	for _, ext := range extensions {
		if useSRTP, ok := ext.(*extension.UseSRTP); ok {
			offered = useSRTP.ProtectionProfiles
			found = true
			break
		}
	}

	profile := selectProfile(h.params.Profiles, offered)

	h.lock.Lock()
	h.profile = profile
	h.lock.Unlock()

	switch {
	case !found:
		h.Alert(Alert{
			Level:       alert.Fatal,
			Description: alert.InsufficientSecurity,
			Message:     "server did not send use_srtp",
		})
	case len(offered) != 1:
		h.Alert(Alert{
			Level:       alert.Fatal,
			Description: alert.IllegalParameter,
			Message:     fmt.Sprintf("server chose %d srtp protection profiles", len(offered)),
		})
	case profile == ProfileNone:
		h.Alert(Alert{
			Level:       alert.Fatal,
			Description: alert.HandshakeFailure,
			Message:     fmt.Sprintf("server chose unsupported srtp protection profile %s", ProfileName(offered[0])),
		})
	default:
		h.params.Logger.Debugw("srtp protection profile selected", "profile", ProfileName(profile))
	}
}

// ClientCredentials builds the client certificate on first use and returns
// the same one for the rest of the handshake.
func (h *Handshake) ClientCredentials(_ *dtls.CertificateRequestInfo) (*tls.Certificate, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.credentialsLoaded {
		h.credentialsLoaded = true
		h.credentials, h.credentialsErr = h.loadCredentials()
		if h.credentialsErr != nil {
			h.params.Logger.Errorw("could not supply client credentials", h.credentialsErr)
		}
	}
	return h.credentials, h.credentialsErr
}

func (h *Handshake) loadCredentials() (*tls.Certificate, error) {
	if h.params.CertificateProvider == nil {
		return nil, ErrMissingCertificateProvider
	}

	cert, err := h.params.CertificateProvider.Certificate()
	if err != nil {
		return nil, err
	}
	if _, ok := cert.PrivateKey.(*rsa.PrivateKey); !ok {
		return nil, fmt.Errorf("%w, got %T", ErrUnsupportedCredentials, cert.PrivateKey)
	}

	cert.SupportedSignatureAlgorithms = []tls.SignatureScheme{tls.PKCS1WithSHA256}
	return &cert, nil
}

func (h *Handshake) ServerVersion(version protocol.Version) {
	h.lock.Lock()
	h.serverVersion = version
	h.lock.Unlock()

	h.params.Logger.Debugw("dtls server version", "major", version.Major, "minor", version.Minor)
}

func (h *Handshake) HandshakeComplete(completed CompletedHandshake) error {
	sessionID := append([]byte(nil), completed.SessionID()...)

	resumed := false
	if h.params.sessions != nil {
		resumed = h.params.sessions.observe(h.params.Peer, sessionID)
	}
	if resumed {
		h.params.Logger.Infow("resumed dtls session", "peer", h.params.Peer, "sessionID", fmt.Sprintf("%x", sessionID))
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	h.sessionID = sessionID
	h.resumed = resumed

	if h.profile == ProfileNone {
		h.params.Logger.Warnw("handshake completed without srtp protection profile", nil, "peer", h.params.Peer)
		return nil
	}

	length, err := KeyingMaterialLength(h.profile)
	if err != nil {
		return err
	}
	material, err := completed.ExportKeyingMaterial(KeyingMaterialLabel, nil, length)
	if err != nil {
		return fmt.Errorf("could not export srtp keying material: %w", err)
	}
	if len(material) != length {
		return fmt.Errorf("exported %d bytes of srtp keying material, expected %d", len(material), length)
	}

	h.keyingMaterial = material
	h.complete = true
	return nil
}

func (h *Handshake) Alert(a Alert) {
	h.lock.Lock()
	h.alerts = append(h.alerts, a)
	h.lock.Unlock()

	h.params.Logger.Warnw("dtls alert", a.Cause,
		"peer", h.params.Peer,
		"level", a.LevelName(),
		"description", a.Description.String(),
		"remote", a.Remote,
		"message", a.Message,
	)
	prometheus.IncrementAlert(a.LevelName(), a.Remote)
	if h.params.OnAlert != nil {
		h.params.OnAlert(a)
	}
}

// ------------------------------------------------

func (h *Handshake) Peer() string {
	return h.params.Peer
}

// ChosenProfile is ProfileNone until server extensions are processed and
// after a failed negotiation.
func (h *Handshake) ChosenProfile() dtls.SRTPProtectionProfile {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.profile
}

func (h *Handshake) NegotiatedVersion() protocol.Version {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.serverVersion
}

func (h *Handshake) SessionID() []byte {
	h.lock.Lock()
	defer h.lock.Unlock()

	return append([]byte(nil), h.sessionID...)
}

func (h *Handshake) Resumed() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.resumed
}

func (h *Handshake) Alerts() []Alert {
	h.lock.Lock()
	defer h.lock.Unlock()

	return append([]Alert(nil), h.alerts...)
}

// KeyingMaterial returns a copy of the exported keying material.
func (h *Handshake) KeyingMaterial() ([]byte, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.complete {
		return nil, ErrKeyingMaterialUnavailable
	}
	return append([]byte(nil), h.keyingMaterial...), nil
}

type KeyingMaterialParts struct {
	ClientKey  []byte
	ServerKey  []byte
	ClientSalt []byte
	ServerSalt []byte
}

// SplitKeyingMaterial splits exported material in RFC 5764 section 4.2
// order: client key, server key, client salt, server salt.
func SplitKeyingMaterial(material []byte, keyLen int, saltLen int) (KeyingMaterialParts, error) {
	if keyLen < 0 || saltLen < 0 || len(material) != 2*(keyLen+saltLen) {
		return KeyingMaterialParts{}, fmt.Errorf("keying material of %d bytes does not fit key length %d and salt length %d", len(material), keyLen, saltLen)
	}

	offset := 0
	next := func(n int) []byte {
		part := append([]byte(nil), material[offset:offset+n]...)
		offset += n
		return part
	}
	return KeyingMaterialParts{
		ClientKey:  next(keyLen),
		ServerKey:  next(keyLen),
		ClientSalt: next(saltLen),
		ServerSalt: next(saltLen),
	}, nil
}

// SessionKeys returns the client side view: local is the client write key.
func (h *Handshake) SessionKeys() (srtp.SessionKeys, error) {
	material, err := h.KeyingMaterial()
	if err != nil {
		return srtp.SessionKeys{}, err
	}
	keyLen, saltLen, err := KeyAndSaltLength(h.ChosenProfile())
	if err != nil {
		return srtp.SessionKeys{}, err
	}
	parts, err := SplitKeyingMaterial(material, keyLen, saltLen)
	if err != nil {
		return srtp.SessionKeys{}, err
	}
	return srtp.SessionKeys{
		LocalMasterKey:   parts.ClientKey,
		LocalMasterSalt:  parts.ClientSalt,
		RemoteMasterKey:  parts.ServerKey,
		RemoteMasterSalt: parts.ServerSalt,
	}, nil
}

func (h *Handshake) SRTPConfig() (*srtp.Config, error) {
	keys, err := h.SessionKeys()
	if err != nil {
		return nil, err
	}
	return &srtp.Config{
		Keys:    keys,
		Profile: SRTPProtectionProfile(h.ChosenProfile()),
	}, nil
}

// SRTPContexts creates the contexts protecting outgoing (local) and
// unprotecting incoming (remote) packets.
func (h *Handshake) SRTPContexts() (local *srtp.Context, remote *srtp.Context, err error) {
	config, err := h.SRTPConfig()
	if err != nil {
		return nil, nil, err
	}

	local, err = srtp.CreateContext(config.Keys.LocalMasterKey, config.Keys.LocalMasterSalt, config.Profile)
	if err != nil {
		return nil, nil, err
	}
	remote, err = srtp.CreateContext(config.Keys.RemoteMasterKey, config.Keys.RemoteMasterSalt, config.Profile)
	if err != nil {
		return nil, nil, err
	}
	return local, remote, nil
}

func (h *Handshake) credentialsFailed() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.credentialsErr != nil
}

// result of a handshake the engine completed
func (h *Handshake) result() prometheus.HandshakeResult {
	h.lock.Lock()
	defer h.lock.Unlock()

	switch {
	case h.complete && h.resumed:
		return prometheus.HandshakeResultResumed
	case h.complete:
		return prometheus.HandshakeResultSuccess
	case h.profile == ProfileNone:
		return prometheus.HandshakeResultNoProfile
	default:
		return prometheus.HandshakeResultExportFailed
	}
}
