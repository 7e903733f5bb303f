// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dtlssrtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/dtls/v2/pkg/protocol/extension"
	"github.com/pion/logging"

	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
)

// the client signs with the first scheme; the second lets ECDSA servers
// sign their key exchange
var signatureSchemes = []tls.SignatureScheme{
	tls.PKCS1WithSHA256,
	tls.ECDSAWithP256AndSHA256,
}

type Fingerprint struct {
	Algorithm string
	Value     string
}

type ClientParams struct {
	Profiles            []dtls.SRTPProtectionProfile
	ServerName          string
	CertificateProvider CertificateProvider
	// SessionCacheSize bounds the number of peers sessions are kept for, 0 disables resumption.
	SessionCacheSize int
	// RemoteFingerprints, when set, must match the server certificate.
	RemoteFingerprints []Fingerprint
	FlightInterval     time.Duration
	MTU                int
	LoggerFactory      logging.LoggerFactory
	OnAlert            func(Alert)
	Logger             logger.Logger
}

// Client runs DTLS-SRTP handshakes over pion/dtls, one per Connect.
type Client struct {
	params   ClientParams
	sessions *sessionCache
}

func NewClient(params ClientParams) (*Client, error) {
	if len(params.Profiles) == 0 {
		params.Profiles = DefaultProfiles
	}
	for _, profile := range params.Profiles {
		if _, _, err := KeyAndSaltLength(profile); err != nil {
			return nil, err
		}
	}
	if params.CertificateProvider == nil {
		params.CertificateProvider = NewSelfSignedProvider()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	for _, fp := range params.RemoteFingerprints {
		if _, err := fingerprint.HashFromString(fp.Algorithm); err != nil {
			return nil, err
		}
	}

	c := &Client{
		params: params,
	}
	if params.SessionCacheSize > 0 {
		sessions, err := newSessionCache(params.SessionCacheSize)
		if err != nil {
			return nil, err
		}
		c.sessions = sessions
	}
	return c, nil
}

// Connect performs a handshake over conn. The returned Handshake is never
// nil, its alerts and negotiation state are useful after a failure too. The
// DTLS connection is only returned when keying material is available.
func (c *Client) Connect(ctx context.Context, conn net.Conn) (*Handshake, *dtls.Conn, error) {
	peer := peerKey(conn.RemoteAddr(), c.params.ServerName)
	h := NewHandshake(HandshakeParams{
		Peer:                peer,
		Profiles:            c.params.Profiles,
		CertificateProvider: c.params.CertificateProvider,
		OnAlert:             c.params.OnAlert,
		Logger:              c.params.Logger.WithValues("peer", peer),
		sessions:            c.sessions,
	})

	start := time.Now()
	dtlsConn, err := c.run(ctx, conn, h)
	if err != nil {
		if h.credentialsFailed() {
			prometheus.IncrementHandshake(prometheus.HandshakeResultBadCredentials)
		} else {
			prometheus.IncrementHandshake(prometheus.HandshakeResultFailed)
		}
		return h, nil, err
	}
	prometheus.IncrementHandshake(h.result())

	if _, err = h.KeyingMaterial(); err != nil {
		_ = dtlsConn.Close()
		return h, nil, ErrNoCompatibleProfile
	}

	c.params.Logger.Infow("dtls-srtp handshake complete",
		"peer", peer,
		"profile", ProfileName(h.ChosenProfile()),
		"resumed", h.Resumed(),
		"duration", time.Since(start),
	)
	return h, dtlsConn, nil
}

// run drives one handshake through pion/dtls, calling hooks as it goes.
func (c *Client) run(ctx context.Context, conn net.Conn, hooks HandshakeHooks) (*dtls.Conn, error) {
	flights := newFlightConn(conn)
	dtlsConn, err := dtls.ClientWithContext(ctx, flights, c.config(hooks))
	if err != nil {
		hooks.Alert(alertFromError(err))
		return nil, err
	}
	flights.finishHandshake()

	// pion/dtls offers 1.2 in its ClientHello and rejects any other ServerHello
	// version, so a completed handshake is always 1.2
	hooks.ServerVersion(protocol.Version1_2)

	var serverExtensions []extension.Extension
	if profile, ok := dtlsConn.SelectedSRTPProtectionProfile(); ok {
		serverExtensions = append(serverExtensions, &extension.UseSRTP{
			ProtectionProfiles: []dtls.SRTPProtectionProfile{profile},
		})
	}
	hooks.ProcessServerExtensions(serverExtensions)

	state := dtlsConn.ConnectionState()
	if err = hooks.HandshakeComplete(&completedHandshake{state: &state}); err != nil {
		_ = dtlsConn.Close()
		return nil, err
	}
	return dtlsConn, nil
}

func (c *Client) config(hooks HandshakeHooks) *dtls.Config {
	config := &dtls.Config{
		GetClientCertificate:  hooks.ClientCredentials,
		SignatureSchemes:      signatureSchemes,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: c.verifyPeerCertificate,
		ExtendedMasterSecret:  dtls.RequestExtendedMasterSecret,
		FlightInterval:        c.params.FlightInterval,
		MTU:                   c.params.MTU,
		LoggerFactory:         c.params.LoggerFactory,
	}
	if c.sessions != nil {
		config.SessionStore = c.sessions
	}

	var base []extension.Extension
	if c.params.ServerName != "" {
		base = append(base, &extension.ServerName{ServerName: c.params.ServerName})
	}
	for _, ext := range hooks.ClientExtensions(base) {
		switch e := ext.(type) {
		case *extension.UseSRTP:
			config.SRTPProtectionProfiles = e.ProtectionProfiles
		case *extension.ServerName:
			config.ServerName = e.ServerName
		}
	}
	return config
}

func (c *Client) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(c.params.RemoteFingerprints) == 0 {
		return nil
	}
	if len(rawCerts) == 0 {
		return ErrNoRemoteCertificate
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	for _, fp := range c.params.RemoteFingerprints {
		hashAlgo, err := fingerprint.HashFromString(fp.Algorithm)
		if err != nil {
			return err
		}
		remoteValue, err := fingerprint.Fingerprint(cert, hashAlgo)
		if err != nil {
			return err
		}
		if strings.EqualFold(remoteValue, fp.Value) {
			return nil
		}
	}
	return ErrFingerprintMismatch
}

func peerKey(addr net.Addr, serverName string) string {
	remote := ""
	if addr != nil {
		remote = addr.String()
	}
	return remote + "_" + serverName
}

// ------------------------------------------------

type completedHandshake struct {
	state *dtls.State
}

func (c *completedHandshake) SessionID() []byte {
	return c.state.SessionID
}

func (c *completedHandshake) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	return c.state.ExportKeyingMaterial(label, context, length)
}
