package web

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleActor serves the Person document for a local user.
func (s *Server) handleActor(c *gin.Context) {
	c.Header("Content-Type", activityJSONContentType)

	account, err := s.store.ReadAccountByUsername(c.Param("username"))
	if err != nil || account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
		return
	}

	doc, err := s.composer.BuildActor(account)
	if err != nil {
		log.Printf("Actor: Failed to build document for %s: %v", account.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build actor"})
		return
	}

	c.JSON(http.StatusOK, doc)
}
