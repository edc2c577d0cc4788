package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/foresightd/foresight/domain"
)

// maxClockSkew bounds how far an inbound Date header may drift from our
// clock before the request is rejected as a potential replay.
const maxClockSkew = 5 * time.Minute

// signedHeaders is the canonical subset every outbound request signs and
// every inbound request must have signed.
var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest", "content-type"}

// Digest computes the Digest header value for a request body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// SignRequest signs an outgoing HTTP request with the given private key.
// The signer computes and sets the Digest header from body.
// keyId format: "https://example.com/ap/users/alice#main-key"
func SignRequest(req *http.Request, body []byte, privateKeyPem string, keyId string) error {
	privateKey, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return err
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// ActorResolverFunc resolves a Signature keyId to the remote actor that
// owns it.
type ActorResolverFunc func(keyId string) (*domain.RemoteActor, error)

// VerifyRequest authenticates an inbound request: Signature header
// present and parseable, Date within the skew window, Digest matching
// the body on POSTs, and the signature valid against the public key of
// the actor the keyId resolves to. Returns that actor on success.
func VerifyRequest(req *http.Request, body []byte, clock Clock, resolve ActorResolverFunc) (*domain.RemoteActor, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingSignature, err)
	}

	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return nil, fmt.Errorf("%w: missing Date header", ErrClockSkew)
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable Date header", ErrClockSkew)
	}
	now := clock.Now()
	if sent.Before(now.Add(-maxClockSkew)) || sent.After(now.Add(maxClockSkew)) {
		return nil, ErrClockSkew
	}

	if req.Method == http.MethodPost {
		if req.Header.Get("Digest") != Digest(body) {
			return nil, ErrDigestMismatch
		}
	}

	actor, err := resolve(verifier.KeyId())
	if err != nil {
		return nil, err
	}

	publicKey, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	return actor, nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. Remote servers
// publish PKIX blocks; PKCS1 is accepted as a fallback.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if pkcs1Key, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes); pkcs1Err == nil {
			return pkcs1Key, nil
		}
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
