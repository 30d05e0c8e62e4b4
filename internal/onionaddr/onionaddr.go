// Package onionaddr implements v2 onion-service address and descriptor-ID
// math: deriving a service's permanent identifier from its RSA public key,
// and computing the time-rotating descriptor lookup key derived from it.
package onionaddr

import (
	"crypto/rsa"
	"crypto/sha1" // #nosec G401,G505 -- protocol-mandated: v2 onion addresses are defined as base32(SHA-1(DER(pubkey))[:10]).
	"crypto/x509"
	"encoding/base32"
	"fmt"
	"strings"
	"time"
)

// permanentIDLen is the length in bytes of the truncated SHA-1 digest that
// identifies a v2 onion service (80 bits).
const permanentIDLen = 10

// descriptorIDLen is the length in bytes of a descriptor lookup ID (a full
// SHA-1 digest).
const descriptorIDLen = 20

// secondsPerDay is the width of one descriptor-ID rotation period.
const secondsPerDay = 86400

// Address derives the v2 onion address for an RSA public key:
// base32(SHA-1(DER(pubkey))[:10]), lowercase, without the ".onion" suffix.
func Address(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	digest := sha1.Sum(der)
	permanentID := digest[:permanentIDLen]
	return strings.ToLower(base32.StdEncoding.EncodeToString(permanentID)), nil
}

// PermanentID recovers the 80-bit permanent identifier encoded in an onion
// address (the address without its ".onion" suffix).
func PermanentID(onionAddress string) ([]byte, error) {
	addr := strings.TrimSuffix(onionAddress, ".onion")
	addr = strings.ToUpper(addr)
	// base32.StdEncoding requires padding; v2 addresses are 16 chars = 80 bits
	// with no padding characters, so pad out to a multiple of 8.
	for len(addr)%8 != 0 {
		addr += "="
	}
	decoded, err := base32.StdEncoding.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("decode onion address: %w", err)
	}
	if len(decoded) < permanentIDLen {
		return nil, fmt.Errorf("decoded onion address too short: %d bytes", len(decoded))
	}
	return decoded[:permanentIDLen], nil
}

// TimePeriod computes the current descriptor rotation period for a given
// permanent ID at time now, per the v2 hidden-service protocol: the period
// boundary is offset by a byte derived from the permanent ID so that not
// every service rotates at the same instant.
func TimePeriod(permanentID []byte, now time.Time, deviation int) int64 {
	var offsetByte byte
	if len(permanentID) > 0 {
		offsetByte = permanentID[0]
	}
	offset := int64(offsetByte) * secondsPerDay / 256
	return (now.Unix()+offset)/secondsPerDay + int64(deviation)
}

// DescriptorID computes the descriptor lookup ID for a given permanent ID,
// replica index, and deviation (0 = current rotation period, 1 = next),
// following the v2 scheme: descriptor-id = H(permanent-id || secret-id-part)
// where secret-id-part = H(time-period || replica).
func DescriptorID(permanentID []byte, replica int, now time.Time, deviation int) []byte {
	period := TimePeriod(permanentID, now, deviation)

	h1 := sha1.New() // #nosec G401 -- protocol-mandated.
	fmt.Fprintf(h1, "%d", period)
	h1.Write([]byte{byte(replica)})
	secretIDPart := h1.Sum(nil)

	h2 := sha1.New() // #nosec G401 -- protocol-mandated.
	h2.Write(permanentID)
	h2.Write(secretIDPart)
	return h2.Sum(nil)[:descriptorIDLen]
}

// SecondsUntilRotation returns how many seconds remain until the descriptor
// ID for deviation 0 rotates to the next period's ID.
func SecondsUntilRotation(permanentID []byte, now time.Time) time.Duration {
	var offsetByte byte
	if len(permanentID) > 0 {
		offsetByte = permanentID[0]
	}
	offset := int64(offsetByte) * secondsPerDay / 256
	elapsed := (now.Unix() + offset) % secondsPerDay
	return time.Duration(secondsPerDay-elapsed) * time.Second
}
