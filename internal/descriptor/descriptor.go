// Package descriptor implements the aggregate-descriptor codec: parsing a
// fetched back-end descriptor, choosing a balanced introduction-point set
// across instances, and generating + signing the aggregate descriptor blob
// posted under the front service's key.
package descriptor

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G401 -- protocol-mandated hash for v2 descriptor signing/addressing.
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/onionbalance-manager/internal/instance"
	"github.com/opd-ai/onionbalance-manager/internal/obserr"
	"github.com/opd-ai/onionbalance-manager/internal/onionaddr"
)

// Descriptor is a parsed back-end descriptor.
type Descriptor struct {
	PublishedAt time.Time
	Encrypted   bool
	introPoints []instance.IntroductionPoint
}

// IntroductionPoints returns the descriptor's introduction points. When the
// descriptor is marked encrypted, it fails if no authCookie is configured;
// otherwise the points are returned as parsed. The cookie is not used to
// decrypt anything, so a wrong cookie is not detected.
func (d *Descriptor) IntroductionPoints(authCookie []byte, hasCookie bool) ([]instance.IntroductionPoint, error) {
	if d.Encrypted {
		if !hasCookie || len(authCookie) == 0 {
			return nil, obserr.DescriptorDecryptFailed("descriptor requires an auth cookie but none was configured", nil)
		}
		// The intro-point directives are read as plaintext by Parse; the
		// cookie is only checked for presence.
	}
	return d.introPoints, nil
}

// Parse decodes a raw descriptor body (as delivered by the control channel's
// descriptor-content event) into a Descriptor.
//
// Expected wire shape (simplified plaintext form, one directive per line):
//
//	published <unix-seconds>
//	encrypted <0|1>
//	introduction-point <id> <address> <port>
//	...
func Parse(raw []byte) (*Descriptor, error) {
	lines := strings.Split(string(raw), "\n")
	d := &Descriptor{}
	sawPublished := false

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "published":
			if len(fields) != 2 {
				return nil, obserr.DescriptorMalformed("malformed published directive", nil)
			}
			sec, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, obserr.DescriptorMalformed("invalid published timestamp", err)
			}
			d.PublishedAt = time.Unix(sec, 0).UTC()
			sawPublished = true
		case "encrypted":
			d.Encrypted = len(fields) == 2 && fields[1] == "1"
		case "introduction-point":
			if len(fields) != 4 {
				return nil, obserr.DescriptorMalformed("malformed introduction-point directive", nil)
			}
			port, err := strconv.Atoi(fields[3])
			if err != nil {
				return nil, obserr.DescriptorMalformed("invalid introduction-point port", err)
			}
			d.introPoints = append(d.introPoints, instance.IntroductionPoint{
				Identifier: fields[1],
				Address:    fields[2],
				Port:       port,
			})
		default:
			// Unknown directives are ignored for forward compatibility.
		}
	}

	if !sawPublished {
		return nil, obserr.DescriptorMalformed("descriptor missing published directive", nil)
	}
	return d, nil
}

// Choose merges per-instance introduction-point lists into one, capped at
// maxIntroPoints, sampling in round-robin order across instances so picks
// stay balanced, then uniformly shuffling within the result.
func Choose(perInstance [][]instance.IntroductionPoint, maxIntroPoints int, rng func(n int) int) []instance.IntroductionPoint {
	var total int
	for _, ips := range perInstance {
		total += len(ips)
	}
	limit := total
	if maxIntroPoints < limit {
		limit = maxIntroPoints
	}
	if limit <= 0 {
		return nil
	}

	result := make([]instance.IntroductionPoint, 0, limit)
	cursors := make([]int, len(perInstance))
	for len(result) < limit {
		progressed := false
		for i, ips := range perInstance {
			if len(result) >= limit {
				break
			}
			if cursors[i] >= len(ips) {
				continue
			}
			result = append(result, ips[cursors[i]])
			cursors[i]++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if rng != nil {
		for i := len(result) - 1; i > 0; i-- {
			j := rng(i + 1)
			result[i], result[j] = result[j], result[i]
		}
	}
	return result
}

// Generate builds and signs the versioned aggregate descriptor for one
// replica/deviation slot under serviceKey, returning the serialized blob.
func Generate(serviceKey *rsa.PrivateKey, introPoints []instance.IntroductionPoint, replica int, deviation int, now time.Time) ([]byte, error) {
	if len(introPoints) == 0 {
		return nil, obserr.DescriptorGenFailed("cannot generate a descriptor with no introduction points", nil)
	}

	addr, err := onionaddr.Address(&serviceKey.PublicKey)
	if err != nil {
		return nil, obserr.DescriptorGenFailed("deriving onion address", err)
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "onion-address %s\n", addr)
	fmt.Fprintf(&body, "published %d\n", now.Unix())
	fmt.Fprintf(&body, "replica %d\n", replica)
	fmt.Fprintf(&body, "deviation %d\n", deviation)
	for _, ip := range introPoints {
		fmt.Fprintf(&body, "introduction-point %s %s %d\n", ip.Identifier, ip.Address, ip.Port)
	}

	digest := sha1.Sum(body.Bytes()) // #nosec G401 -- protocol-mandated.
	sig, err := rsa.SignPKCS1v15(rand.Reader, serviceKey, 0, digest[:])
	if err != nil {
		return nil, obserr.DescriptorGenFailed("signing descriptor", err)
	}

	fmt.Fprintf(&body, "signature %s\n", base64.StdEncoding.EncodeToString(sig))
	return body.Bytes(), nil
}

// PublicKeyPEM re-encodes an RSA public key as a PEM block, the form
// exchanged with operators via the configuration file's `key` path.
func PublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// exponentIsOdd reports whether the RSA public exponent is odd, as spec.md's
// §3 key-validity invariant requires.
func exponentIsOdd(pub *rsa.PublicKey) bool {
	e := big.NewInt(int64(pub.E))
	return e.Bit(0) == 1
}

// ValidateServiceKey checks the spec's key-validity invariants: 2048-bit
// modulus, odd public exponent.
func ValidateServiceKey(key *rsa.PrivateKey) error {
	if key.N.BitLen() < 2048 {
		return obserr.ConfigInvalid(fmt.Sprintf("service key must be at least 2048 bits, got %d", key.N.BitLen()), nil)
	}
	if !exponentIsOdd(&key.PublicKey) {
		return obserr.ConfigInvalid("service key public exponent must be odd", nil)
	}
	return nil
}
