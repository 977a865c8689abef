package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"code.superseriousbusiness.org/httpsig"
	"github.com/deemkeen/fedtube/domain"
	"go.uber.org/zap"
)

var (
	// ErrMissingSignature is returned for requests without a Signature header.
	ErrMissingSignature = errors.New("missing http signature")
	// ErrMissingDigest is returned for bodies sent without a Digest header.
	ErrMissingDigest = errors.New("missing digest header")
)

// SignRequest signs req with the RSA key published under keyId, covering
// (request-target), host, date and digest. A non-nil body gets its Digest
// header computed; with a nil body the caller must have set Digest already.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("new signer: %w", err)
	}
	return signer.SignRequest(privateKey, keyId, req, body)
}

var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

// VerifyRequest checks the Signature header of req against publicKeyPem and
// returns the actor URL named by its keyId.
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("read signature: %w", err)
	}
	key, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}
	if err := verifier.Verify(key, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("verify signature: %w", err)
	}
	return actorFromKeyId(verifier.KeyId()), nil
}

// VerifyDigest checks a SHA-256 Digest header against body. A missing
// header or any other algorithm is refused.
func VerifyDigest(header string, body []byte) error {
	if header == "" {
		return ErrMissingDigest
	}
	algorithm, value, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(algorithm, "SHA-256") {
		return fmt.Errorf("unsupported digest %q", header)
	}
	sum := sha256.Sum256(body)
	if value != base64.StdEncoding.EncodeToString(sum[:]) {
		return errors.New("digest does not match body")
	}
	return nil
}

var signatureHeadersParam = regexp.MustCompile(`(?:^|,)\s*headers="([^"]*)"`)

// signedHeaderNames lists the headers covered by a Signature header value.
// Without a headers parameter only Date is signed.
func signedHeaderNames(signature string) []string {
	m := signatureHeadersParam.FindStringSubmatch(signature)
	if m == nil {
		return []string{"date"}
	}
	return strings.Fields(strings.ToLower(m[1]))
}

// requireSignedHeaders fails unless the signature of req covers the request
// target, and the digest when a body is sent.
func requireSignedHeaders(req *http.Request) error {
	required := []string{"(request-target)"}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		required = append(required, "digest")
	}
	signed := signedHeaderNames(req.Header.Get("Signature"))
	for _, name := range required {
		if !slices.Contains(signed, name) {
			return fmt.Errorf("signature does not cover %s", name)
		}
	}
	return nil
}

// actorFromKeyId drops the fragment of "https://host/accounts/alice#main-key".
func actorFromKeyId(keyId string) string {
	actorURL, _, _ := strings.Cut(keyId, "#")
	return actorURL
}

func decodePEM(pemString string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return block.Bytes, nil
}

// ParsePrivateKey reads a PKCS#1 "RSA PRIVATE KEY" block.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	der, err := decodePEM(pemString)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey reads a PKIX "PUBLIC KEY" block holding an RSA key.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	der, err := decodePEM(pemString)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", pub)
	}
	return key, nil
}

// ActorSource resolves remote actors for signature checks.
type ActorSource interface {
	Resolve(ctx context.Context, actorURL string) (*domain.Actor, error)
	Refresh(ctx context.Context, actorURL string) (*domain.Actor, error)
}

// Authenticator finds the actor that signed a request and checks the
// signature against its key. A failed check is retried once with a freshly
// fetched key, for peers that rotated theirs.
type Authenticator struct {
	actors ActorSource
	log    *zap.Logger
}

func NewAuthenticator(actors ActorSource, logger *zap.Logger) *Authenticator {
	return &Authenticator{actors: actors, log: logger.Named("httpsig")}
}

func (a *Authenticator) Authenticate(req *http.Request) (*domain.Actor, error) {
	if req.Header.Get("Signature") == "" {
		return nil, ErrMissingSignature
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature: %w", err)
	}
	if err := requireSignedHeaders(req); err != nil {
		return nil, err
	}
	actorURL := actorFromKeyId(verifier.KeyId())
	if !isURL(actorURL) {
		return nil, fmt.Errorf("invalid signature key id %q", verifier.KeyId())
	}

	ctx := req.Context()
	actor, err := a.actors.Resolve(ctx, actorURL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signer %s: %w", actorURL, err)
	}
	if _, err := VerifyRequest(req, actor.PublicKeyPem); err == nil {
		return actor, nil
	}

	actor, err = a.actors.Refresh(ctx, actorURL)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh signer %s: %w", actorURL, err)
	}
	if _, err := VerifyRequest(req, actor.PublicKeyPem); err != nil {
		a.log.Debug("Signature verification failed", zap.String("actor", actorURL), zap.Error(err))
		return nil, err
	}
	return actor, nil
}
