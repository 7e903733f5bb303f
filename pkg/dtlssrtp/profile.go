package dtlssrtp

import (
	"fmt"
	"strings"

	"github.com/pion/dtls/v2"
	"github.com/pion/srtp/v2"
)

const (
	// KeyingMaterialLabel is the RFC 5764 exporter label.
	KeyingMaterialLabel = "EXTRACTOR-dtls_srtp"

	ProfileAes128CmHmacSha1_80 = dtls.SRTP_AES128_CM_HMAC_SHA1_80
	ProfileAes128CmHmacSha1_32 = dtls.SRTP_AES128_CM_HMAC_SHA1_32
	ProfileNullHmacSha1_80     = dtls.SRTPProtectionProfile(0x0005)
	ProfileNullHmacSha1_32     = dtls.SRTPProtectionProfile(0x0006)
	ProfileAeadAes128Gcm       = dtls.SRTP_AEAD_AES_128_GCM
	ProfileAeadAes256Gcm       = dtls.SRTP_AEAD_AES_256_GCM

	// ProfileNone is the result of a failed negotiation.
	ProfileNone = dtls.SRTPProtectionProfile(0)
)

// DefaultProfiles is the client preference used when none is configured.
var DefaultProfiles = []dtls.SRTPProtectionProfile{
	ProfileAeadAes128Gcm,
	ProfileAes128CmHmacSha1_80,
}

type profileInfo struct {
	name    string
	keyLen  int
	saltLen int
}

var profiles = map[dtls.SRTPProtectionProfile]profileInfo{
	ProfileAes128CmHmacSha1_80: {"SRTP_AES128_CM_HMAC_SHA1_80", 16, 14},
	ProfileAes128CmHmacSha1_32: {"SRTP_AES128_CM_HMAC_SHA1_32", 16, 14},
	ProfileNullHmacSha1_80:     {"SRTP_NULL_HMAC_SHA1_80", 0, 0},
	ProfileNullHmacSha1_32:     {"SRTP_NULL_HMAC_SHA1_32", 0, 0},
	ProfileAeadAes128Gcm:       {"SRTP_AEAD_AES_128_GCM", 16, 12},
	ProfileAeadAes256Gcm:       {"SRTP_AEAD_AES_256_GCM", 32, 12},
}

// KeyAndSaltLength returns the master key and master salt lengths of a profile.
func KeyAndSaltLength(profile dtls.SRTPProtectionProfile) (keyLen int, saltLen int, err error) {
	info, ok := profiles[profile]
	if !ok {
		return 0, 0, fmt.Errorf("%w: 0x%04x", ErrUnknownProfile, uint16(profile))
	}
	return info.keyLen, info.saltLen, nil
}

// KeyingMaterialLength is the number of bytes exported for a profile: a key
// and a salt for each direction.
func KeyingMaterialLength(profile dtls.SRTPProtectionProfile) (int, error) {
	keyLen, saltLen, err := KeyAndSaltLength(profile)
	if err != nil {
		return 0, err
	}
	return 2 * (keyLen + saltLen), nil
}

func ProfileName(profile dtls.SRTPProtectionProfile) string {
	if info, ok := profiles[profile]; ok {
		return info.name
	}
	return fmt.Sprintf("0x%04x", uint16(profile))
}

// ParseProfile accepts the IANA name, with or without the SRTP_ prefix, in any case.
func ParseProfile(name string) (dtls.SRTPProtectionProfile, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "SRTP_") {
		name = "SRTP_" + name
	}
	for profile, info := range profiles {
		if info.name == name {
			return profile, nil
		}
	}
	return ProfileNone, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
}

func ParseProfiles(names []string) ([]dtls.SRTPProtectionProfile, error) {
	if len(names) == 0 {
		return nil, ErrNoProfiles
	}
	parsed := make([]dtls.SRTPProtectionProfile, 0, len(names))
	for _, name := range names {
		profile, err := ParseProfile(name)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, profile)
	}
	return parsed, nil
}

// SRTPProtectionProfile maps a negotiated profile to the srtp package's identifier.
func SRTPProtectionProfile(profile dtls.SRTPProtectionProfile) srtp.ProtectionProfile {
	return srtp.ProtectionProfile(profile)
}

// selectProfile picks the client's most preferred profile that the server
// chose. A server must choose exactly one profile; anything else is a failed
// negotiation.
func selectProfile(client []dtls.SRTPProtectionProfile, server []dtls.SRTPProtectionProfile) dtls.SRTPProtectionProfile {
	if len(server) != 1 {
		return ProfileNone
	}
	for _, profile := range client {
		if profile == server[0] {
			return profile
		}
	}
	return ProfileNone
}
