// Package marketauth verifies the signed registration token Google attaches
// to marketplace signup redirects. Tokens are RS256 JWTs issued by the cloud
// commerce partner service account; the matching x509 certificates are
// published as a JSON map keyed by key id.
package marketauth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

// GoogleCertURL is the issuer of marketplace signup tokens and the URL the
// signing certificates are published at.
const GoogleCertURL = "https://www.googleapis.com/robot/v1/metadata/x509/cloud-commerce-partner@system.gserviceaccount.com"

// maxCertBytes caps the certificate map response size.
const maxCertBytes = 1 << 20

// Reason is the user-facing explanation for a rejected token. Reasons are
// returned verbatim as 401 bodies by the login endpoint.
type Reason string

// Rejection reasons.
const (
	ReasonMissingToken Reason = "Invalid token"
	ReasonBadFormat    Reason = "Invalid token format"
	ReasonBadIssuer    Reason = "Invalid token issuer"
	ReasonCertNotFound Reason = "Certificate not found"
	ReasonCertFetch    Reason = "Failed to verify token"
	ReasonAudience     Reason = "Audience mismatch"
	ReasonExpired      Reason = "Token expired"
	ReasonInvalid      Reason = "Token validation failed"
	ReasonEmptySubject Reason = "Subject empty"
)

// Error is a token rejection with its user-facing reason and underlying
// cause.
type Error struct {
	Reason Reason
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("marketauth: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("marketauth: %s", e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func reject(reason Reason, cause error) error {
	return &Error{Reason: reason, Cause: cause}
}

// Config collects verifier settings.
type Config struct {
	// Audience the token must be issued for, typically the public signup
	// page URL. Required.
	Audience string
	// CertURL overrides the certificate source. Defaults to GoogleCertURL.
	// The token issuer claim must match this URL exactly.
	CertURL string
	// HTTPClient fetches the certificate map. Defaults to a 5s-timeout
	// client.
	HTTPClient *http.Client
	// CacheTTL bounds how long a fetched certificate map is reused.
	// Defaults to one hour; an unknown key id forces a refetch regardless,
	// so key rotation is picked up immediately.
	CacheTTL time.Duration
	Logger   *logger.Logger
}

// Verifier validates marketplace signup tokens and extracts the procurement
// account id they were issued for.
type Verifier struct {
	audience string
	certURL  string
	client   *http.Client
	ttl      time.Duration
	log      *logger.Logger

	mu        sync.Mutex
	certs     map[string]string
	fetchedAt time.Time
}

// NewVerifier validates the config and builds a verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Audience == "" {
		return nil, fmt.Errorf("marketauth: audience is required")
	}
	certURL := cfg.CertURL
	if certURL == "" {
		certURL = GoogleCertURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("marketauth")
	}
	return &Verifier{
		audience: cfg.Audience,
		certURL:  certURL,
		client:   client,
		ttl:      ttl,
		log:      log,
	}, nil
}

// Verify checks the token end to end and returns the procurement account id
// carried in its subject claim. Failures are *Error values whose Reason is
// safe to show the caller.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", reject(ReasonMissingToken, nil)
	}

	// The key id and issuer are needed before any signature check.
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", reject(ReasonBadFormat, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return "", reject(ReasonBadFormat, errors.New("kid header missing"))
	}
	issuer, _ := unverified.Claims.(jwt.MapClaims)["iss"].(string)
	if issuer != v.certURL {
		v.log.WithFields(map[string]interface{}{
			"issuer":   issuer,
			"expected": v.certURL,
		}).Warn("token issuer mismatch")
		return "", reject(ReasonBadIssuer, nil)
	}

	key, err := v.publicKey(ctx, kid)
	if err != nil {
		return "", err
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithAudience(v.audience), jwt.WithValidMethods([]string{"RS256"}))
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "", reject(ReasonAudience, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", reject(ReasonExpired, err)
	default:
		return "", reject(ReasonInvalid, err)
	}

	if claims.Subject == "" {
		return "", reject(ReasonEmptySubject, nil)
	}
	return claims.Subject, nil
}

// publicKey resolves the RSA public key for a key id, consulting the cached
// certificate map first.
func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fresh := time.Since(v.fetchedAt) < v.ttl
	certPEM, ok := v.certs[kid]
	if !ok || !fresh {
		certs, err := v.fetchCerts(ctx)
		if err != nil {
			v.log.WithError(err).Error("certificate fetch failed")
			return nil, reject(ReasonCertFetch, err)
		}
		v.certs = certs
		v.fetchedAt = time.Now()
		certPEM, ok = v.certs[kid]
	}
	if !ok {
		return nil, reject(ReasonCertNotFound, fmt.Errorf("no certificate for kid %q", kid))
	}

	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, reject(ReasonCertFetch, errors.New("certificate is not PEM"))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, reject(ReasonCertFetch, err)
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, reject(ReasonCertFetch, fmt.Errorf("certificate key is %T, not RSA", cert.PublicKey))
	}
	return key, nil
}

func (v *Verifier) fetchCerts(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate endpoint returned status %d", resp.StatusCode)
	}

	var certs map[string]string
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCertBytes)).Decode(&certs); err != nil {
		return nil, fmt.Errorf("decode certificate map: %w", err)
	}
	return certs, nil
}
