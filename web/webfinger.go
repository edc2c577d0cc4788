package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// handleWebfinger serves the JRD document for acct: resources on our
// own domain. A resource we cannot parse is a 400; a well-formed one
// for a foreign domain or an unknown user is a 404, never a redirect.
func (s *Server) handleWebfinger(c *gin.Context) {
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")

	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Malformed resource"})
		return
	}

	handle := strings.TrimPrefix(resource, "acct:")
	username, domainName, found := strings.Cut(handle, "@")
	if !found || username == "" || domainName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Malformed resource"})
		return
	}

	if domainName != s.conf.Conf.Domain {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	account, err := s.store.ReadAccountByUsername(username)
	if err != nil || account == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	actorIRI := s.composer.ActorIRI(account.Username)
	c.JSON(http.StatusOK, gin.H{
		"subject": fmt.Sprintf("acct:%s@%s", account.Username, s.conf.Conf.Domain),
		"aliases": []string{actorIRI},
		"links": []gin.H{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": actorIRI,
			},
		},
	})
}
