package web

import (
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleUserInbox accepts a signed delivery for one local user. The
// body is read once here so verification and parsing see identical
// bytes; MaxBytesMiddleware has already capped its size.
func (s *Server) handleUserInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Failed to read body"})
		return
	}

	username := c.Param("username")
	if err := s.inbox.HandleInbox(c.Request.Context(), c.Request, body, username); err != nil {
		status := statusForError(err)
		log.Printf("Inbox: Rejected delivery for %s (%d): %v", username, status, err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusAccepted)
}

// handleSharedInbox accepts a signed delivery addressed by the activity
// itself rather than the URL.
func (s *Server) handleSharedInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Failed to read body"})
		return
	}

	if err := s.inbox.HandleSharedInbox(c.Request.Context(), c.Request, body); err != nil {
		status := statusForError(err)
		log.Printf("Inbox: Rejected shared inbox delivery (%d): %v", status, err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusAccepted)
}
