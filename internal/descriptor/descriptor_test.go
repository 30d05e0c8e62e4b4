package descriptor

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/onionbalance-manager/internal/instance"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestParseValidDescriptor(t *testing.T) {
	raw := "published 1700000000\nencrypted 0\nintroduction-point ip1 10.0.0.1 9001\nintroduction-point ip2 10.0.0.2 9001\n"
	d, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.PublishedAt.Unix() != 1700000000 {
		t.Errorf("PublishedAt = %v, want unix 1700000000", d.PublishedAt)
	}
	ips, err := d.IntroductionPoints(nil, false)
	if err != nil {
		t.Fatalf("IntroductionPoints: %v", err)
	}
	if len(ips) != 2 {
		t.Errorf("expected 2 introduction points, got %d", len(ips))
	}
}

func TestParseMissingPublishedFails(t *testing.T) {
	_, err := Parse([]byte("introduction-point ip1 10.0.0.1 9001\n"))
	if err == nil {
		t.Fatalf("expected malformed error for missing published directive")
	}
}

func TestParseEncryptedRequiresCookie(t *testing.T) {
	raw := "published 1700000000\nencrypted 1\nintroduction-point ip1 10.0.0.1 9001\n"
	d, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := d.IntroductionPoints(nil, false); err == nil {
		t.Errorf("expected decryption error without a cookie")
	}
	if _, err := d.IntroductionPoints([]byte("0123456789abcdef"), true); err != nil {
		t.Errorf("expected success with a cookie present: %v", err)
	}
}

func TestChooseCapsAtMaxAndBalancesRoundRobin(t *testing.T) {
	a := []instance.IntroductionPoint{{Identifier: "a1"}, {Identifier: "a2"}, {Identifier: "a3"}}
	b := []instance.IntroductionPoint{{Identifier: "b1"}}

	result := Choose([][]instance.IntroductionPoint{a, b}, 2, nil)
	if len(result) != 2 {
		t.Fatalf("expected result capped at 2, got %d", len(result))
	}
	// Round robin: first pick from a, then from b.
	if result[0].Identifier != "a1" || result[1].Identifier != "b1" {
		t.Errorf("expected round-robin order [a1 b1], got %v", result)
	}
}

func TestChooseLengthMatchesSpecInvariant(t *testing.T) {
	a := []instance.IntroductionPoint{{Identifier: "a1"}}
	b := []instance.IntroductionPoint{{Identifier: "b1"}, {Identifier: "b2"}}
	result := Choose([][]instance.IntroductionPoint{a, b}, 10, nil)
	if len(result) != 3 {
		t.Errorf("expected min(MAX, sum)=3, got %d", len(result))
	}
}

func TestChooseEmptyInput(t *testing.T) {
	if result := Choose(nil, 10, nil); result != nil {
		t.Errorf("expected nil result for no instances, got %v", result)
	}
}

func TestGenerateFailsOnEmptyIntroPoints(t *testing.T) {
	key := testKey(t)
	_, err := Generate(key, nil, 0, 0, time.Now())
	if err == nil {
		t.Fatalf("expected invalid-input error for empty intro-points")
	}
}

func TestGenerateProducesParseableSignedBlob(t *testing.T) {
	key := testKey(t)
	ips := []instance.IntroductionPoint{{Identifier: "ip1", Address: "10.0.0.1", Port: 9001}}
	blob, err := Generate(key, ips, 1, 0, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	s := string(blob)
	if !strings.Contains(s, "replica 1") || !strings.Contains(s, "deviation 0") {
		t.Errorf("expected replica/deviation directives in blob, got: %s", s)
	}
	if !strings.Contains(s, "signature ") {
		t.Errorf("expected a signature directive in blob")
	}

	parsed, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse(Generate output): %v", err)
	}
	got, err := parsed.IntroductionPoints(nil, false)
	if err != nil || len(got) != 1 || got[0].Identifier != "ip1" {
		t.Errorf("expected the generated intro point to parse back, got %v, %v", got, err)
	}
}

func TestValidateServiceKeyRejectsSmallKeys(t *testing.T) {
	small, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate small key: %v", err)
	}
	if err := ValidateServiceKey(small); err == nil {
		t.Errorf("expected an error for a sub-2048-bit key")
	}

	big := testKey(t)
	if err := ValidateServiceKey(big); err != nil {
		t.Errorf("expected a 2048-bit key with odd exponent to validate, got: %v", err)
	}
}
