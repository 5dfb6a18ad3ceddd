package services

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/Wikid82/warden/internal/models"
)

var apiKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]{8,256}$`)

const maxEndpointLen = 512

// Subjects are the identifiers presented by one request. IP is required.
type Subjects struct {
	IP       string `json:"ip"`
	APIKey   string `json:"api_key,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Identity is the resolved rate-limit identifier for a request.
type Identity struct {
	Identifier string             `json:"identifier"`
	Kind       models.SubjectKind `json:"kind"`
	IP         string             `json:"ip"`
	KeyHash    string             `json:"-"`
	Endpoint   string             `json:"endpoint,omitempty"`
}

// HashAPIKey returns the hex BLAKE2b-256 digest under which a key is stored.
func HashAPIKey(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NormalizeIP parses a single address and returns its canonical form. CIDR
// ranges and zoned addresses are rejected.
func NormalizeIP(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		return "", fmt.Errorf("%w: %q is a range, not an address", ErrInvalidSubject, raw)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || addr.Zone() != "" {
		return "", fmt.Errorf("%w: %q is not an IP address", ErrInvalidSubject, raw)
	}
	return addr.Unmap().String(), nil
}

func validEndpoint(ep string) bool {
	return strings.HasPrefix(ep, "/") && len(ep) <= maxEndpointLen && !strings.ContainsAny(ep, "\r\n|")
}

// Resolve validates the subjects and picks the identifier by precedence:
// API key, then endpoint, then IP.
func (s Subjects) Resolve() (Identity, error) {
	ip, err := NormalizeIP(s.IP)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{Identifier: ip, Kind: models.SubjectIP, IP: ip, Endpoint: s.Endpoint}
	if s.Endpoint != "" && !validEndpoint(s.Endpoint) {
		return Identity{}, fmt.Errorf("%w: malformed endpoint", ErrInvalidSubject)
	}
	switch {
	case s.APIKey != "":
		if !apiKeyPattern.MatchString(s.APIKey) {
			return Identity{}, fmt.Errorf("%w: malformed API key", ErrInvalidSubject)
		}
		id.KeyHash = HashAPIKey(s.APIKey)
		id.Identifier = models.APIKeySubject(id.KeyHash)
		id.Kind = models.SubjectAPIKey
	case s.Endpoint != "":
		id.Identifier = "endpoint:" + s.Endpoint + "|" + ip
		id.Kind = models.SubjectEndpoint
	}
	return id, nil
}

// Subject is the lifecycle-list subject for the identity: the API key subject
// when a key was presented, otherwise the IP.
func (id Identity) Subject() string {
	if id.KeyHash != "" {
		return models.APIKeySubject(id.KeyHash)
	}
	return id.IP
}

var hashedKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NormalizeSubject accepts an IP address, an already hashed "key:<digest>"
// subject, or a raw API key (which is hashed) and returns the stored subject.
func NormalizeSubject(raw string) (string, models.SubjectKind, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty subject", ErrInvalidSubject)
	}
	if strings.HasPrefix(raw, models.APIKeySubjectPrefix) {
		if !hashedKeyPattern.MatchString(strings.TrimPrefix(raw, models.APIKeySubjectPrefix)) {
			return "", "", fmt.Errorf("%w: malformed key digest", ErrInvalidSubject)
		}
		return raw, models.SubjectAPIKey, nil
	}
	if ip, err := NormalizeIP(raw); err == nil {
		return ip, models.SubjectIP, nil
	} else if strings.Contains(raw, "/") {
		return "", "", err
	}
	if apiKeyPattern.MatchString(raw) {
		return models.APIKeySubject(HashAPIKey(raw)), models.SubjectAPIKey, nil
	}
	return "", "", fmt.Errorf("%w: %q is neither an IP address nor an API key", ErrInvalidSubject, raw)
}
