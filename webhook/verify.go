// Package webhook authenticates Twilio webhooks, renders TwiML and serves the
// voice HTTP endpoints.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agentplexus/voicecall"
)

var (
	ErrMissingSignature = errors.New("missing twilio signature")
	ErrInvalidSignature = errors.New("invalid twilio signature")
	ErrUntrustedHost    = errors.New("untrusted webhook host")
)

// Policy controls how the signed URL of a webhook is derived.
type Policy struct {
	// PublicBaseURL, when set, is the only origin used to rebuild signed URLs.
	PublicBaseURL string
	// AllowedHosts restricts the Host (or forwarded host) a request may claim.
	AllowedHosts []string
	// TrustForwarding honors X-Forwarded-* from TrustedProxies without an allowlist.
	TrustForwarding bool
	// TrustedProxies are IPs or CIDRs allowed to set forwarding headers.
	TrustedProxies []string
	// SkipVerification disables signature checks. Local development only.
	SkipVerification bool
}

// Signature computes Twilio's request signature: base64 HMAC-SHA1 over the
// full URL followed by every POST parameter name and value sorted by name.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the URL and parameters.
func VerifySignature(authToken, signature, fullURL string, params url.Values) error {
	if signature == "" {
		return ErrMissingSignature
	}
	expected := Signature(authToken, fullURL, params)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Verifier authenticates webhook requests under a Policy.
type Verifier struct {
	authToken string
	policy    Policy
	proxies   []*net.IPNet
	allowed   map[string]struct{}
	log       *logrus.Entry
}

// NewVerifier parses the policy. An auth token is required unless
// verification is skipped.
func NewVerifier(authToken string, policy Policy, log *logrus.Entry) (*Verifier, error) {
	if authToken == "" && !policy.SkipVerification {
		return nil, fmt.Errorf("auth token is required for webhook verification")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	v := &Verifier{
		authToken: authToken,
		policy:    policy,
		allowed:   make(map[string]struct{}, len(policy.AllowedHosts)),
		log:       log.WithField("component", "webhook"),
	}
	for _, h := range policy.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			v.allowed[h] = struct{}{}
		}
	}
	for _, p := range policy.TrustedProxies {
		n, err := parseNet(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", p, err)
		}
		v.proxies = append(v.proxies, n)
	}
	if policy.PublicBaseURL != "" {
		if _, err := url.Parse(policy.PublicBaseURL); err != nil {
			return nil, fmt.Errorf("public base url: %w", err)
		}
	}
	if policy.SkipVerification {
		v.log.Warn("webhook signature verification is disabled")
	}
	return v, nil
}

func parseNet(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		return n, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("not an IP or CIDR")
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Verify authenticates r against its already-parsed POST parameters.
func (v *Verifier) Verify(r *http.Request, params url.Values) error {
	if v.policy.SkipVerification {
		v.log.WithField("path", r.URL.Path).Warn("accepting unverified webhook")
		return nil
	}
	sig := r.Header.Get(voicecall.SignatureHeader)
	if sig == "" {
		return ErrMissingSignature
	}
	fullURL, err := v.ResolveURL(r)
	if err != nil {
		return err
	}
	return VerifySignature(v.authToken, sig, fullURL, params)
}

// ResolveURL rebuilds the URL Twilio signed for r.
func (v *Verifier) ResolveURL(r *http.Request) (string, error) {
	if base := v.policy.PublicBaseURL; base != "" {
		return strings.TrimRight(base, "/") + r.URL.RequestURI(), nil
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host

	if v.honorsForwarding() && v.fromTrustedProxy(r) {
		if fh := firstHeaderValue(r, "X-Forwarded-Host"); fh != "" {
			host = fh
		}
		if fp := firstHeaderValue(r, "X-Forwarded-Proto"); fp == "http" || fp == "https" {
			scheme = fp
		}
	}

	if host == "" {
		return "", fmt.Errorf("%w: no host", ErrUntrustedHost)
	}
	if len(v.allowed) > 0 && !v.hostAllowed(host) {
		return "", fmt.Errorf("%w: %s", ErrUntrustedHost, host)
	}
	return scheme + "://" + host + r.URL.RequestURI(), nil
}

func (v *Verifier) honorsForwarding() bool {
	return len(v.allowed) > 0 || v.policy.TrustForwarding
}

func (v *Verifier) fromTrustedProxy(r *http.Request) bool {
	if len(v.proxies) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range v.proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (v *Verifier) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	if _, ok := v.allowed[host]; ok {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		_, ok := v.allowed[h]
		return ok
	}
	return false
}

func firstHeaderValue(r *http.Request, name string) string {
	v := r.Header.Get(name)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
