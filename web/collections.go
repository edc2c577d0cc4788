package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/foresightd/foresight/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleFollowers serves the followers collection. Without a page
// parameter it returns the OrderedCollection envelope with the total;
// with one, a page of accepted follower actor URIs.
func (s *Server) handleFollowers(c *gin.Context) {
	c.Header("Content-Type", activityJSONContentType)

	account, err := s.store.ReadAccountByUsername(c.Param("username"))
	if err != nil || account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
		return
	}

	collectionIRI := s.composer.FollowersIRI(account.Username)
	total, err := s.store.CountFollowersByUserId(account.Id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count followers"})
		return
	}

	page, paged := parsePage(c)
	if !paged {
		c.JSON(http.StatusOK, gin.H{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         collectionIRI,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      collectionIRI + "?page=1",
		})
		return
	}

	followers, err := s.store.ReadFollowersByUserId(account.Id, followersPageSize, (page-1)*followersPageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load followers"})
		return
	}

	items := make([]string, 0, len(followers))
	for _, f := range followers {
		items = append(items, f.RemoteActorURI)
	}

	doc := gin.H{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", collectionIRI, page),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionIRI,
		"totalItems":   total,
		"orderedItems": items,
	}
	if page*followersPageSize < total {
		doc["next"] = fmt.Sprintf("%s?page=%d", collectionIRI, page+1)
	}
	c.JSON(http.StatusOK, doc)
}

// handleOutbox serves the outbox collection of Create activities for a
// user's top-level posts, newest first. Replies are excluded the same
// way they are excluded from delivery.
func (s *Server) handleOutbox(c *gin.Context) {
	c.Header("Content-Type", activityJSONContentType)

	account, err := s.store.ReadAccountByUsername(c.Param("username"))
	if err != nil || account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
		return
	}

	collectionIRI := s.composer.OutboxIRI(account.Username)
	total, err := s.store.CountTopPostsByUserId(account.Id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count posts"})
		return
	}

	page, paged := parsePage(c)
	if !paged {
		c.JSON(http.StatusOK, gin.H{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         collectionIRI,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      collectionIRI + "?page=1",
		})
		return
	}

	posts, err := s.store.ReadTopPostsByUserId(account.Id, outboxPageSize, (page-1)*outboxPageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load posts"})
		return
	}

	items := make([]map[string]any, 0, len(posts))
	for i := range posts {
		items = append(items, s.composer.BuildCreate(&posts[i], account.Username))
	}

	doc := gin.H{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", collectionIRI, page),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionIRI,
		"totalItems":   total,
		"orderedItems": items,
	}
	if page*outboxPageSize < total {
		doc["next"] = fmt.Sprintf("%s?page=%d", collectionIRI, page+1)
	}
	c.JSON(http.StatusOK, doc)
}

// handlePostObject serves a single federated post as its Note object.
func (s *Server) handlePostObject(c *gin.Context) {
	c.Header("Content-Type", activityJSONContentType)

	post, account, ok := s.lookupPost(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return
	}

	c.JSON(http.StatusOK, s.composer.BuildNote(post, account.Username))
}

func (s *Server) lookupPost(idParam string) (*domain.Post, *domain.Account, bool) {
	postId, err := uuid.Parse(idParam)
	if err != nil {
		return nil, nil, false
	}
	post, err := s.store.ReadPostById(postId)
	if err != nil || post == nil {
		return nil, nil, false
	}
	account, err := s.store.ReadAccountById(post.UserId)
	if err != nil || account == nil {
		return nil, nil, false
	}
	return post, account, true
}

// parsePage returns (page, true) for a valid positive page parameter.
func parsePage(c *gin.Context) (int, bool) {
	raw := c.Query("page")
	if raw == "" {
		return 0, false
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}
