package web

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

type followRequest struct {
	Actor  string `json:"actor"`
	Handle string `json:"handle"`
	Target string `json:"target"`
}

// target accepts the actor URL, the handle or the legacy target key,
// whichever the client sent.
func (r *followRequest) target() string {
	switch {
	case r.Actor != "":
		return r.Actor
	case r.Handle != "":
		return r.Handle
	default:
		return r.Target
	}
}

// handleAPIFollow lets an authenticated local user follow a remote
// actor by handle or URL. Resolution happens inline; the Follow
// activity itself is only queued, so a new relationship answers 202
// and only an already accepted one answers 200.
func (s *Server) handleAPIFollow(c *gin.Context) {
	username := c.GetString(contextUsernameKey)
	account, err := s.store.ReadAccountByUsername(username)
	if err != nil || account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown user"})
		return
	}

	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.target() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing actor or handle"})
		return
	}

	result, err := s.composer.EnqueueFollowForLocalUser(c.Request.Context(), account.Id, account.Username, req.target())
	if err != nil {
		status := statusForError(err)
		log.Printf("API: Follow of %q by %s failed (%d): %v", req.target(), username, status, err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if result.Enqueued {
		c.JSON(http.StatusAccepted, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleAPIFollowing lists the authenticated user's outbound follow
// relationships with their current state.
func (s *Server) handleAPIFollowing(c *gin.Context) {
	username := c.GetString(contextUsernameKey)
	account, err := s.store.ReadAccountByUsername(username)
	if err != nil || account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown user"})
		return
	}

	following, err := s.store.ReadFollowingByUserId(account.Id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load following"})
		return
	}

	items := make([]gin.H, 0, len(following))
	for _, f := range following {
		items = append(items, gin.H{
			"actorUri":         f.RemoteActorURI,
			"followActivityId": f.FollowActivityURI,
			"state":            f.State,
			"updatedAt":        f.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"following": items})
}
