package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sandwichfarm/feedgraph/internal/model"
)

// createdAtLayout is the timestamp format of v1.1 API objects
const createdAtLayout = time.RubyDate

// idOf prefers the string form of an id field, which survives JSON
// number precision loss
func idOf(obj gjson.Result, field string) int64 {
	if s := obj.Get(field + "_str"); s.Exists() {
		if id, err := strconv.ParseInt(s.String(), 10, 64); err == nil {
			return id
		}
	}
	return obj.Get(field).Int()
}

// ParseAccount converts a user object
func ParseAccount(obj gjson.Result) (model.AccountRecord, error) {
	if !obj.IsObject() {
		return model.AccountRecord{}, fmt.Errorf("user is %s, not an object: %w", obj.Type, model.ErrMalformedRecord)
	}
	id := idOf(obj, "id")
	if id == 0 {
		return model.AccountRecord{}, fmt.Errorf("user without id: %w", model.ErrMalformedRecord)
	}
	return model.AccountRecord{
		ID:             id,
		Handle:         obj.Get("screen_name").String(),
		Name:           obj.Get("name").String(),
		AvatarURL:      obj.Get("profile_image_url_https").String(),
		Protected:      obj.Get("protected").Bool(),
		Verified:       obj.Get("verified").Bool(),
		FollowersCount: int(obj.Get("followers_count").Int()),
		FollowingCount: int(obj.Get("friends_count").Int()),
		PostsCount:     int(obj.Get("statuses_count").Int()),
	}, nil
}

// ParsePost converts a status object, including embedded reshare and
// quoted statuses
func ParsePost(obj gjson.Result) (model.PostRecord, error) {
	return parsePost(obj, 0)
}

const maxNesting = 3

func parsePost(obj gjson.Result, depth int) (model.PostRecord, error) {
	if !obj.IsObject() {
		return model.PostRecord{}, fmt.Errorf("status is %s, not an object: %w", obj.Type, model.ErrMalformedRecord)
	}
	id := idOf(obj, "id")
	if id == 0 {
		return model.PostRecord{}, fmt.Errorf("status without id: %w", model.ErrMalformedRecord)
	}

	author, err := ParseAccount(obj.Get("user"))
	if err != nil {
		return model.PostRecord{}, fmt.Errorf("status %d: %w", id, err)
	}

	body := obj.Get("full_text")
	if !body.Exists() {
		body = obj.Get("text")
	}

	rec := model.PostRecord{
		ID:                 id,
		Body:               body.String(),
		Author:             &author,
		InReplyToID:        idOf(obj, "in_reply_to_status_id"),
		InReplyToAccountID: idOf(obj, "in_reply_to_user_id"),
		QuotedID:           idOf(obj, "quoted_status_id"),
		Source:             obj.Get("source").String(),
		Counts: model.Counts{
			Replies:   int(obj.Get("reply_count").Int()),
			Reshares:  int(obj.Get("retweet_count").Int()),
			Favorites: int(obj.Get("favorite_count").Int()),
			Quotes:    int(obj.Get("quote_count").Int()),
		},
		Exact: true,
	}

	if s := obj.Get("created_at").String(); s != "" {
		created, err := time.Parse(createdAtLayout, s)
		if err != nil {
			return model.PostRecord{}, fmt.Errorf("status %d created_at %q: %w", id, s, model.ErrMalformedRecord)
		}
		rec.CreatedAt = created
	}

	// past maxNesting only the ids are kept and the posts resolve on demand
	if rs := obj.Get("retweeted_status"); rs.IsObject() {
		rec.ReshareOfID = idOf(rs, "id")
		if depth < maxNesting {
			if target, err := parsePost(rs, depth+1); err == nil {
				rec.ReshareOf = &target
			}
		}
	}
	if qs := obj.Get("quoted_status"); qs.IsObject() {
		if rec.QuotedID == 0 {
			rec.QuotedID = idOf(qs, "id")
		}
		if depth < maxNesting {
			if quoted, err := parsePost(qs, depth+1); err == nil {
				rec.Quoted = &quoted
			}
		}
	}

	return rec, nil
}

// ParseList converts a list object
func ParseList(obj gjson.Result) (model.List, error) {
	id := idOf(obj, "id")
	if !obj.IsObject() || id == 0 {
		return model.List{}, fmt.Errorf("list without id: %w", model.ErrMalformedRecord)
	}
	return model.List{
		ID:      id,
		Name:    obj.Get("name").String(),
		OwnerID: idOf(obj.Get("user"), "id"),
		Public:  obj.Get("mode").String() != "private",
	}, nil
}

// parseArray applies parse to each element of arr. Malformed elements are
// reported through skip and left out.
func parseArray[T any](arr gjson.Result, parse func(gjson.Result) (T, error), skip func(error)) []T {
	elems := arr.Array()
	out := make([]T, 0, len(elems))
	for _, elem := range elems {
		v, err := parse(elem)
		if err != nil {
			skip(err)
			continue
		}
		out = append(out, v)
	}
	return out
}
