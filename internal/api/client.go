package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sandwichfarm/feedgraph/internal/model"
)

// Client is the remote social API as consumed by the core
type Client interface {
	VerifyCredentials(ctx context.Context) (model.AccountRecord, error)

	FetchPost(ctx context.Context, id int64) (model.PostRecord, error)
	FetchAccount(ctx context.Context, id int64) (model.AccountRecord, error)
	FetchAccountByHandle(ctx context.Context, handle string) (model.AccountRecord, error)

	HomeTimeline(ctx context.Context) ([]model.PostRecord, error)
	Mentions(ctx context.Context) ([]model.PostRecord, error)
	Lists(ctx context.Context, accountID int64) ([]model.List, error)
	ListStatuses(ctx context.Context, listID int64) ([]model.PostRecord, error)
	ListMembers(ctx context.Context, listID int64) ([]model.AccountRecord, error)

	CreateFavorite(ctx context.Context, id int64) (model.PostRecord, error)
	DestroyFavorite(ctx context.Context, id int64) (model.PostRecord, error)
	Reshare(ctx context.Context, id int64) (model.PostRecord, error)
	CreatePost(ctx context.Context, body string, replyTo int64) (model.PostRecord, error)
	DestroyPost(ctx context.Context, id int64) (model.PostRecord, error)
}

// StatusError is a non-success HTTP response
type StatusError struct {
	Code     int
	Endpoint string
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.Code, e.Body)
}

// IsAuthFailure reports whether the credentials were rejected
func (e *StatusError) IsAuthFailure() bool {
	return e.Code == http.StatusUnauthorized
}

// IsAuthFailure reports whether err carries a rejected-credentials response
func IsAuthFailure(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.IsAuthFailure()
}

// IsNotFound reports whether err carries a 404 response
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
