package model

import "time"

// AccountRecord is account data as decoded from the remote API
type AccountRecord struct {
	ID             int64
	Handle         string
	Name           string
	AvatarURL      string
	Protected      bool
	Verified       bool
	FollowersCount int
	FollowingCount int
	PostsCount     int
}

// PostRecord is post data as decoded from the remote API. Embedded
// records (Author, ReshareOf, Quoted) are stored before the post itself.
type PostRecord struct {
	ID                 int64
	Body               string
	Author             *AccountRecord
	AuthorID           int64 // used when Author is not embedded
	InReplyToID        int64
	InReplyToAccountID int64
	ReshareOf          *PostRecord
	ReshareOfID        int64 // used when ReshareOf is not embedded
	Quoted             *PostRecord
	QuotedID           int64
	Source             string
	CreatedAt          time.Time
	Counts             Counts
	Exact              bool
}

// ReshareTargetID returns the id of the reshared post, or 0
func (r *PostRecord) ReshareTargetID() int64 {
	if r.ReshareOf != nil {
		return r.ReshareOf.ID
	}
	return r.ReshareOfID
}

// QuotedTargetID returns the id of the quoted post, or 0
func (r *PostRecord) QuotedTargetID() int64 {
	if r.Quoted != nil {
		return r.Quoted.ID
	}
	return r.QuotedID
}

// AuthorKey returns the author's account id
func (r *PostRecord) AuthorKey() int64 {
	if r.Author != nil {
		return r.Author.ID
	}
	return r.AuthorID
}

// List is list metadata owned by an account
type List struct {
	ID      int64
	Name    string
	OwnerID int64
	Public  bool
}

// Counts are engagement counters reported by the remote API
type Counts struct {
	Replies   int
	Reshares  int
	Favorites int
	Quotes    int
}
