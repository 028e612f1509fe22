package model

import (
	"fmt"
	"strconv"
	"strings"
)

// SourceKind identifies what a Source streams
type SourceKind string

const (
	SourceKindAll      SourceKind = "all"
	SourceKindFriends  SourceKind = "friends"
	SourceKindMentions SourceKind = "mentions"
	SourceKindList     SourceKind = "list"
)

// SlugAll is the slug of the unfiltered firehose
const SlugAll = "all"

// Source is a pollable stream identity. Slug doubles as the dedup
// partition key and the scheduling key.
type Source struct {
	Kind    SourceKind
	Title   string
	Slug    string
	Account string
	ListID  int64
}

// SourceAll is the unfiltered firehose every ingested post flows into
func SourceAll() Source {
	return Source{Kind: SourceKindAll, Title: "All posts", Slug: SlugAll}
}

// SourceFriends is an account's home timeline
func SourceFriends(handle string) Source {
	return Source{
		Kind:    SourceKindFriends,
		Title:   handle + "/Home Timeline",
		Slug:    handle + "-friends",
		Account: handle,
	}
}

// SourceMentions is an account's mentions timeline
func SourceMentions(handle string) Source {
	return Source{
		Kind:    SourceKindMentions,
		Title:   handle + "/Mentions",
		Slug:    handle + "-mentions",
		Account: handle,
	}
}

// SourceList is a list viewed by an account
func SourceList(handle string, list List) Source {
	title := list.Name
	if title == "" {
		title = strconv.FormatInt(list.ID, 10)
	}
	return Source{
		Kind:    SourceKindList,
		Title:   handle + "/" + title,
		Slug:    fmt.Sprintf("%s-list-%d", handle, list.ID),
		Account: handle,
		ListID:  list.ID,
	}
}

// ParseSourceSlug recovers the kind, account handle and list id of a slug.
// Handles may contain '-', so list slugs are split on the last "-list-".
func ParseSourceSlug(slug string) (Source, error) {
	if slug == SlugAll {
		return SourceAll(), nil
	}

	if i := strings.LastIndex(slug, "-list-"); i > 0 {
		id, err := strconv.ParseInt(slug[i+len("-list-"):], 10, 64)
		if err == nil && id > 0 {
			return SourceList(slug[:i], List{ID: id}), nil
		}
	}
	if handle, ok := strings.CutSuffix(slug, "-friends"); ok && handle != "" {
		return SourceFriends(handle), nil
	}
	if handle, ok := strings.CutSuffix(slug, "-mentions"); ok && handle != "" {
		return SourceMentions(handle), nil
	}

	return Source{}, fmt.Errorf("unrecognized source slug %q", slug)
}

func (s Source) String() string {
	return s.Slug
}
