package activitypub

import (
	"bytes"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/foresightd/foresight/db"
	"github.com/foresightd/foresight/util"
)

// fakeClock lets tests advance time synthetically
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// testPolicy permits loopback targets so tests can talk to httptest
// servers.
var testPolicy = SSRFPolicy{AllowPrivate: true}

// newTestStore creates a migrated database in a temp directory
func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestKeypair generates a PEM keypair for signing test requests
func newTestKeypair(t *testing.T) *util.RsaKeyPair {
	t.Helper()
	pair, err := util.GeneratePemKeypair(2048)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	return pair
}

// newSignedRequest builds and signs a POST the way a remote server
// delivering to our inbox would.
func newSignedRequest(t *testing.T, target string, body []byte, privateKeyPem string, keyId string, date time.Time) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", date.UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, body, privateKeyPem, keyId); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req
}

// newUnsignedRequest builds a delivery without any Signature header
func newUnsignedRequest(t *testing.T, target string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Digest", Digest(body))
	return req
}
