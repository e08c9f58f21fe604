package threat

import "testing"

// =============================================================================
// Target Normalization Tests
// =============================================================================

// TestNormalize_URLVariantsCollapse verifies that cosmetic URL variants of
// the same page normalize to one canonical value.
func TestNormalize_URLVariantsCollapse(t *testing.T) {
	variants := []string{
		"http://Evil.com/a?x=1",
		"https://evil.com/a",
		"evil.com/a",
		"HTTP://EVIL.COM/a/",
		"http://evil.com/a#frag",
	}

	want := "evil.com/a"
	for _, raw := range variants {
		got, err := Normalize(Target{Type: TargetURL, Value: raw})
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", raw, err)
		}
		if got.Value != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got.Value, want)
		}
	}
}

// TestNormalize_DomainLowercasedTrailingDotStripped checks the domain rules.
func TestNormalize_DomainLowercasedTrailingDotStripped(t *testing.T) {
	got, err := Normalize(Target{Type: TargetDomain, Value: " Phish.Example.COM. "})
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got.Value != "phish.example.com" {
		t.Errorf("got %q, want %q", got.Value, "phish.example.com")
	}
}

// TestNormalize_HexAddressLowercasedBase58Kept verifies the address rules:
// 0x addresses are case-insensitive, base58 addresses are case-significant.
func TestNormalize_HexAddressLowercasedBase58Kept(t *testing.T) {
	hex, err := Normalize(Target{Type: TargetAddress, Value: "0xAbCd1234", Network: "Ethereum"})
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if hex.Value != "0xabcd1234" {
		t.Errorf("hex address: got %q, want %q", hex.Value, "0xabcd1234")
	}
	if hex.Network != "ethereum" {
		t.Errorf("network: got %q, want %q", hex.Network, "ethereum")
	}

	b58 := "DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK"
	got, err := Normalize(Target{Type: TargetAddress, Value: b58, Network: "solana"})
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got.Value != b58 {
		t.Errorf("base58 address must keep its case: got %q", got.Value)
	}
}

// TestNormalize_EmptyAndUnknownRejected verifies validation failures.
func TestNormalize_EmptyAndUnknownRejected(t *testing.T) {
	if _, err := Normalize(Target{Type: TargetDomain, Value: "  "}); err == nil {
		t.Error("empty value should be rejected")
	}
	if _, err := Normalize(Target{Type: "planet", Value: "mars"}); err == nil {
		t.Error("unknown target type should be rejected")
	}
}

// =============================================================================
// Identity Hash Tests
// =============================================================================

// TestIdentityHash_IndicatorOrderIrrelevant verifies that indicator ordering,
// case and duplication do not change the identity hash.
func TestIdentityHash_IndicatorOrderIrrelevant(t *testing.T) {
	target := Target{Type: TargetDomain, Value: "evil.com"}

	a := IdentityHash(target, []Indicator{
		{Type: IndicatorURL, Value: "evil.com/login"},
		{Type: IndicatorAddress, Value: "0xabc"},
	})
	b := IdentityHash(target, []Indicator{
		{Type: IndicatorAddress, Value: "0xABC"},
		{Type: IndicatorURL, Value: "evil.com/login"},
		{Type: IndicatorURL, Value: "evil.com/login"},
	})

	if a != b {
		t.Errorf("hash should be order/case/dup insensitive: %s != %s", a, b)
	}
}

// TestIdentityHash_DifferentIndicatorsDiffer verifies that a different
// indicator set produces a different identity.
func TestIdentityHash_DifferentIndicatorsDiffer(t *testing.T) {
	target := Target{Type: TargetDomain, Value: "evil.com"}

	a := IdentityHash(target, []Indicator{{Type: IndicatorURL, Value: "evil.com/a"}})
	b := IdentityHash(target, []Indicator{{Type: IndicatorURL, Value: "evil.com/b"}})

	if a == b {
		t.Error("different indicator sets must hash differently")
	}
}

// TestIdentityHash_TargetTypeMatters verifies that the same value under a
// different target type is a different identity.
func TestIdentityHash_TargetTypeMatters(t *testing.T) {
	a := IdentityHash(Target{Type: TargetDomain, Value: "evil.com"}, nil)
	b := IdentityHash(Target{Type: TargetURL, Value: "evil.com"}, nil)
	if a == b {
		t.Error("target type must contribute to identity")
	}
}
