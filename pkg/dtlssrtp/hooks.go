package dtlssrtp

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/dtls/v2/pkg/protocol/alert"
	"github.com/pion/dtls/v2/pkg/protocol/extension"
)

// CompletedHandshake is the view of a finished handshake the hooks get.
type CompletedHandshake interface {
	SessionID() []byte
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

// HandshakeHooks is what a handshake driver calls into, in this order:
// ClientExtensions, ProcessServerExtensions and ClientCredentials (as the
// engine reaches them), ServerVersion, then HandshakeComplete on success.
// Alert may be called at any point.
type HandshakeHooks interface {
	// ClientExtensions returns the ClientHello extensions given the engine's own.
	ClientExtensions(base []extension.Extension) []extension.Extension
	ProcessServerExtensions(extensions []extension.Extension)
	ClientCredentials(info *dtls.CertificateRequestInfo) (*tls.Certificate, error)
	ServerVersion(version protocol.Version)
	HandshakeComplete(completed CompletedHandshake) error
	Alert(a Alert)
}

// Alert is a DTLS alert raised locally or received from the peer.
type Alert struct {
	Level       alert.Level
	Description alert.Description
	Remote      bool
	Message     string
	Cause       error
}

func (a Alert) IsFatal() bool {
	return a.Level == alert.Fatal
}

func (a Alert) LevelName() string {
	switch a.Level {
	case alert.Warning:
		return "warning"
	case alert.Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (a Alert) String() string {
	origin := "local"
	if a.Remote {
		origin = "remote"
	}
	s := fmt.Sprintf("%s %s alert: %s", origin, a.LevelName(), a.Description)
	if a.Message != "" {
		s += ", " + a.Message
	}
	if a.Cause != nil {
		s += ": " + a.Cause.Error()
	}
	return s
}

// received alerts surface from pion as an unexported error type wrapping alert.Alert
type alertCarrier interface {
	Marshal() ([]byte, error)
	IsFatalOrCloseNotify() bool
}

// alertFromError recovers the alert behind a failed handshake. Errors that
// do not carry a received alert are reported as a local fatal handshake
// failure.
func alertFromError(err error) Alert {
	var carrier alertCarrier
	if errors.As(err, &carrier) {
		if raw, marshalErr := carrier.Marshal(); marshalErr == nil {
			var a alert.Alert
			if a.Unmarshal(raw) == nil {
				return Alert{
					Level:       a.Level,
					Description: a.Description,
					Remote:      true,
					Message:     "received from peer",
					Cause:       err,
				}
			}
		}
	}

	message := "handshake failed"
	var fatal *dtls.FatalError
	if errors.As(err, &fatal) {
		message = "fatal handshake error"
	}
	return Alert{
		Level:       alert.Fatal,
		Description: alert.HandshakeFailure,
		Message:     message,
		Cause:       err,
	}
}
