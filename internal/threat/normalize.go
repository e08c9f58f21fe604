package threat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Normalize canonicalizes a target value so that cosmetic variants of the
// same entity hash identically. Rules per type:
//
//   - url:     lower-cased host, scheme/query/fragment dropped, no trailing slash
//   - domain:  lower-cased, trailing dot stripped
//   - address: hex addresses lower-cased (base58 is case-significant and kept)
//   - email:   lower-cased
//   - ip/hash: lower-cased, trimmed
func Normalize(t Target) (Target, error) {
	v := strings.TrimSpace(t.Value)
	if v == "" {
		return t, fmt.Errorf("empty target value")
	}

	switch t.Type {
	case TargetURL:
		nv, err := normalizeURL(v)
		if err != nil {
			return t, err
		}
		t.Value = nv
	case TargetDomain:
		t.Value = strings.TrimSuffix(strings.ToLower(v), ".")
	case TargetAddress:
		if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
			t.Value = strings.ToLower(v)
		} else {
			t.Value = v
		}
		t.Network = strings.ToLower(t.Network)
	case TargetEmail, TargetIP, TargetHash:
		t.Value = strings.ToLower(v)
	default:
		return t, fmt.Errorf("unknown target type %q", t.Type)
	}

	return t, nil
}

// normalizeURL reduces a URL to lower-cased host plus path. Scheme, query and
// fragment are dropped entirely: tracking parameters dominate real-world
// query strings and the dedup guarantee is worth more than query fidelity.
func normalizeURL(raw string) (string, error) {
	// url.Parse treats scheme-less input as an opaque path; force a scheme.
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("unparseable url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host")
	}

	host := strings.ToLower(u.Hostname())
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	return host + path, nil
}

// IdentityHash computes the deterministic dedup key for a normalized target
// and its indicator set. Indicator values are de-duplicated and sorted so
// ordering and repetition in producer input do not affect identity.
func IdentityHash(t Target, indicators []Indicator) string {
	values := make([]string, 0, len(indicators))
	seen := make(map[string]bool, len(indicators))
	for _, ind := range indicators {
		v := strings.ToLower(strings.TrimSpace(ind.Value))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	sort.Strings(values)

	h := sha256.New()
	h.Write([]byte(string(t.Type)))
	h.Write([]byte{0})
	h.Write([]byte(t.Value))
	for _, v := range values {
		h.Write([]byte{0})
		h.Write([]byte(v))
	}
	return hex.EncodeToString(h.Sum(nil))
}
