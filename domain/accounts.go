package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is the local user record the federation core consumes. Profile
// editing, sessions and the rest of the user table belong to other
// subsystems; nothing here mutates them.
type Account struct {
	Id        uuid.UUID
	Username  string
	Bio       string
	CreatedAt time.Time
}

// Post is the local post record. Only top-level posts (ParentId == nil)
// federate; replies stay local.
type Post struct {
	Id        uuid.UUID
	UserId    uuid.UUID
	Content   string
	ImageURL  string
	CreatedAt time.Time
	ParentId  *uuid.UUID
}

func (p *Post) IsReply() bool {
	return p.ParentId != nil
}

// FeedPost is a post joined with its author's username, as read by the
// site-wide feed.
type FeedPost struct {
	Post
	Username string
}
