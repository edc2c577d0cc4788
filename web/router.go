package web

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/foresightd/foresight/activitypub"
	"github.com/foresightd/foresight/db"
	"github.com/foresightd/foresight/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	activityJSONContentType = "application/activity+json; charset=utf-8"
	maxInboxBodyBytes       = 1 * 1024 * 1024

	followersPageSize = 50
	outboxPageSize    = 20
)

// Server wires the HTTP surface to the federation engine.
type Server struct {
	conf     *util.AppConfig
	store    *db.DB
	composer *activitypub.Composer
	inbox    *activitypub.InboxProcessor
}

func NewServer(conf *util.AppConfig, store *db.DB, composer *activitypub.Composer, inbox *activitypub.InboxProcessor) *Server {
	return &Server{conf: conf, store: store, composer: composer, inbox: inbox}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// RSS Feed
	g.GET("/feed", s.handleFeed)

	if s.conf.Conf.WithFederation {
		// Stricter limit for inbox deliveries: 60 requests per 5
		// minutes per IP, matched with a body size cap.
		inboxLimiter := NewRateLimiter(rate.Limit(0.2), 60)
		maxBodySize := MaxBytesMiddleware(maxInboxBodyBytes)

		g.GET("/.well-known/webfinger", s.handleWebfinger)

		g.GET("/ap/users/:username", s.handleActor)
		g.GET("/ap/users/:username/followers", s.handleFollowers)
		g.GET("/ap/users/:username/outbox", s.handleOutbox)
		g.GET("/ap/objects/posts/:id", s.handlePostObject)

		g.POST("/ap/users/:username/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, s.handleUserInbox)
		g.POST("/ap/inbox", RateLimitMiddleware(inboxLimiter), maxBodySize, s.handleSharedInbox)

		api := g.Group("/api/federation/activitypub", JWTAuthMiddleware(s.conf.Conf.JwtSecret))
		api.POST("/follow", s.handleAPIFollow)
		api.GET("/following", s.handleAPIFollowing)
	}

	return g
}

// Run starts the HTTP listener and blocks.
func (s *Server) Run() error {
	log.Printf("Starting HTTP server on %s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	return s.Router().Run(fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort))
}

// statusForError maps engine errors onto HTTP statuses at the route
// boundary. Anything unrecognized is a 500.
func statusForError(err error) int {
	var ssrfErr *activitypub.SSRFBlockedError
	var upstreamErr *activitypub.UpstreamError

	switch {
	case errors.Is(err, activitypub.ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, activitypub.ErrMissingSignature),
		errors.Is(err, activitypub.ErrClockSkew),
		errors.Is(err, activitypub.ErrDigestMismatch),
		errors.Is(err, activitypub.ErrSignatureInvalid),
		errors.Is(err, activitypub.ErrActorMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrMalformedActivity),
		errors.Is(err, activitypub.ErrObjectMismatch),
		errors.Is(err, activitypub.ErrInvalidHandle):
		return http.StatusBadRequest
	case errors.As(err, &ssrfErr):
		return http.StatusBadRequest
	case errors.Is(err, activitypub.ErrNoActorLink),
		errors.Is(err, activitypub.ErrActorIdMismatch),
		errors.Is(err, activitypub.ErrActorIncomplete),
		errors.Is(err, activitypub.ErrResponseTooLarge),
		errors.Is(err, activitypub.ErrInvalidJSON):
		return http.StatusBadGateway
	case errors.Is(err, activitypub.ErrFetchTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
