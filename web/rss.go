package web

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/foresightd/foresight/domain"
	"github.com/foresightd/foresight/util"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/gorilla/feeds"
)

const feedLimit = 50

// handleFeed serves the RSS feed, site-wide by default or for a single
// user with ?username=.
func (s *Server) handleFeed(c *gin.Context) {
	c.Header("Content-Type", "application/xml; charset=utf-8")

	rss, err := s.buildRSS(c.Query("username"))
	if err != nil {
		c.Render(http.StatusNotFound, render.String{Format: ""})
		return
	}
	c.Render(http.StatusOK, render.String{Format: rss})
}

func (s *Server) buildRSS(username string) (string, error) {
	baseURL := s.conf.BaseURL()
	link := baseURL + "/feed"

	var entries []domain.FeedPost
	var title string
	var author string

	if username != "" {
		account, err := s.store.ReadAccountByUsername(username)
		if err != nil || account == nil {
			log.Printf("Feed: Could not load posts for %s: %v", username, err)
			return "", errors.New("error retrieving posts by username")
		}
		posts, err := s.store.ReadTopPostsByUserId(account.Id, feedLimit, 0)
		if err != nil {
			return "", err
		}
		for i := range posts {
			entries = append(entries, domain.FeedPost{Post: posts[i], Username: account.Username})
		}
		title = fmt.Sprintf("%s Posts - %s", util.Name, username)
		author = username
		link = fmt.Sprintf("%s?username=%s", link, username)
	} else {
		var err error
		entries, err = s.store.ReadRecentTopPosts(feedLimit)
		if err != nil {
			log.Println("Feed: Could not load posts!", err)
			return "", errors.New("error retrieving posts")
		}
		title = fmt.Sprintf("All %s Posts", util.Name)
		author = "everyone"
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("rss feed for %s", util.Name),
		Author:      &feeds.Author{Name: author, Email: fmt.Sprintf("%s@%s", author, util.Name)},
		Created:     time.Now(),
	}

	for _, entry := range entries {
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      entry.Id.String(),
			Title:   entry.CreatedAt.Format(util.DateTimeFormat()),
			Link:    &feeds.Link{Href: fmt.Sprintf("%s/ap/objects/posts/%s", baseURL, entry.Id)},
			Content: entry.Content,
			Author:  &feeds.Author{Name: entry.Username, Email: fmt.Sprintf("%s@%s", entry.Username, util.Name)},
			Created: entry.CreatedAt,
		})
	}

	return feed.ToRss()
}
