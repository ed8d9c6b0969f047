package security

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// SecurityCode categorizes violations that must never be retried.
type SecurityCode string

const (
	CodePathTraversal SecurityCode = "path_traversal"
	CodeSSRFBlocked   SecurityCode = "ssrf_blocked"
)

type SecurityError struct {
	Code   SecurityCode
	Detail string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation (%s): %s", e.Code, e.Detail)
}

// ValidationCode categorizes content checks that fail the request outright.
type ValidationCode string

const (
	CodeContentType ValidationCode = "content_type"
	CodeSizeLimit   ValidationCode = "size_limit"
)

type ValidationError struct {
	Code   ValidationCode
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Detail)
}

const maxKeyLength = 1024

// LookupFunc resolves a hostname to addresses. Swappable in tests.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Validator performs all security and content checks that gate storage and
// outbound I/O. It holds no mutable state and is safe for concurrent use.
type Validator struct {
	lookup       LookupFunc
	allowedHosts map[string]struct{}
}

func NewValidator() *Validator {
	return &Validator{lookup: defaultLookup}
}

// NewValidatorWithLookup injects a resolver; tests use it to simulate DNS.
func NewValidatorWithLookup(lookup LookupFunc) *Validator {
	if lookup == nil {
		lookup = defaultLookup
	}
	return &Validator{lookup: lookup}
}

// NewValidatorAllowingHosts exempts the named hosts from the resolved-address
// checks, for wiring against local endpoints (minio, emulators, test servers).
// Scheme and parse checks still apply; production wiring uses NewValidator.
func NewValidatorAllowingHosts(hosts ...string) *Validator {
	allowed := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		allowed[strings.ToLower(h)] = struct{}{}
	}
	return &Validator{lookup: defaultLookup, allowedHosts: allowed}
}

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// ValidateKey rejects storage keys that could escape the provider's root or
// smuggle control characters.
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return &SecurityError{Code: CodePathTraversal, Detail: "empty key"}
	}
	if len(key) > maxKeyLength {
		return &SecurityError{Code: CodePathTraversal, Detail: "key exceeds maximum length"}
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return &SecurityError{Code: CodePathTraversal, Detail: "absolute path prefix"}
	}
	if strings.Contains(key, "..") {
		return &SecurityError{Code: CodePathTraversal, Detail: "parent directory reference"}
	}
	if strings.ContainsRune(key, 0) {
		return &SecurityError{Code: CodePathTraversal, Detail: "null byte in key"}
	}
	for _, r := range key {
		if !isSafeKeyRune(r) {
			return &SecurityError{Code: CodePathTraversal, Detail: fmt.Sprintf("forbidden character %q", r)}
		}
	}
	return nil
}

func isSafeKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '/' || r == '-' || r == '_' || r == '.':
		return true
	}
	return false
}

// ValidateContentType checks the declared type against the configured
// allowlist. An empty allowlist permits everything.
func (v *Validator) ValidateContentType(contentType string, allowed map[string]struct{}) error {
	if len(allowed) == 0 {
		return nil
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return &ValidationError{Code: CodeContentType, Detail: "missing content type"}
	}
	if _, ok := allowed[ct]; !ok {
		return &ValidationError{Code: CodeContentType, Detail: fmt.Sprintf("content type %q not allowed", ct)}
	}
	return nil
}

// ValidateSize enforces the configured upload ceiling. max <= 0 disables the
// check.
func (v *Validator) ValidateSize(sizeBytes, max int64) error {
	if sizeBytes < 0 {
		return &ValidationError{Code: CodeSizeLimit, Detail: "negative size"}
	}
	if max > 0 && sizeBytes > max {
		return &ValidationError{
			Code:   CodeSizeLimit,
			Detail: fmt.Sprintf("size %d exceeds limit %d", sizeBytes, max),
		}
	}
	return nil
}

// ValidateOutboundURL gates every fetch of a remote resource. Only http/https
// are accepted, and the check runs against the resolved addresses rather than
// the literal hostname so DNS rebinding cannot smuggle a private target
// through.
func (v *Validator) ValidateOutboundURL(ctx context.Context, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return &SecurityError{Code: CodeSSRFBlocked, Detail: fmt.Sprintf("unparseable url: %v", err)}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return &SecurityError{Code: CodeSSRFBlocked, Detail: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return &SecurityError{Code: CodeSSRFBlocked, Detail: "missing host"}
	}
	if _, ok := v.allowedHosts[strings.ToLower(host)]; ok {
		return nil
	}

	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		addrs, err = v.lookup(ctx, host)
		if err != nil {
			return &SecurityError{Code: CodeSSRFBlocked, Detail: fmt.Sprintf("resolve %q: %v", host, err)}
		}
		if len(addrs) == 0 {
			return &SecurityError{Code: CodeSSRFBlocked, Detail: fmt.Sprintf("host %q resolved to no addresses", host)}
		}
	}
	for _, a := range addrs {
		if reason := publicAddrViolation(a); reason != "" {
			return &SecurityError{
				Code:   CodeSSRFBlocked,
				Detail: fmt.Sprintf("host %q resolves to %s address %s", host, reason, a),
			}
		}
	}
	return nil
}

// publicAddrViolation returns a non-empty reason when the address must not be
// dialed from the server. Covers loopback, RFC1918 and ULA ranges, link-local
// (including the cloud metadata address), multicast, and unspecified.
func publicAddrViolation(a netip.Addr) string {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return "loopback"
	case a.IsPrivate():
		return "private"
	case a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast():
		return "link-local"
	case a.IsMulticast() || a.IsInterfaceLocalMulticast():
		return "multicast"
	case a.IsUnspecified():
		return "unspecified"
	case !a.IsValid():
		return "invalid"
	}
	return ""
}
