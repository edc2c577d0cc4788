package web

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/foresightd/foresight/activitypub"
	"github.com/foresightd/foresight/db"
	"github.com/foresightd/foresight/util"
	"github.com/gin-gonic/gin"
)

const testJwtSecret = "test-secret"

// newTestServer wires a full server over a temp database with
// federation enabled and loopback targets permitted.
func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	conf := &util.AppConfig{}
	conf.Conf.Host = "127.0.0.1"
	conf.Conf.HttpPort = 8080
	conf.Conf.Domain = "us.example"
	conf.Conf.WithFederation = true
	conf.Conf.AllowPrivateNets = true
	conf.Conf.JwtSecret = testJwtSecret

	clock := activitypub.SystemClock
	policy := activitypub.SSRFPolicy{AllowPrivate: true}
	keys := activitypub.NewKeyManager(store, clock)
	fetcher := activitypub.NewFetcher(policy)
	resolver := activitypub.NewResolver(store, fetcher, clock)
	queue := activitypub.NewDeliveryQueue(store, keys, policy, clock)
	composer := activitypub.NewComposer(store, resolver, queue, keys, conf.BaseURL())
	inbox := activitypub.NewInboxProcessor(store, resolver, composer, clock)

	return NewServer(conf, store, composer, inbox), store
}

func jsonBody(s string) io.Reader {
	return bytes.NewReader([]byte(s))
}

func testToken(t *testing.T, username string) string {
	t.Helper()
	token, err := IssueToken(testJwtSecret, username, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return token
}
