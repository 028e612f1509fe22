package model

import "fmt"

// RefKind tags what a Ref holds
type RefKind uint8

const (
	RefNone RefKind = iota
	RefRawID
	RefPost
	RefAccount
)

func (k RefKind) String() string {
	switch k {
	case RefRawID:
		return "raw-id"
	case RefPost:
		return "post"
	case RefAccount:
		return "account"
	default:
		return "none"
	}
}

// Ref points at a remote object that may or may not be materialized yet.
// Identity stores turn RawID refs into Post/Account refs; code downstream
// of the store only reads resolved refs.
type Ref struct {
	kind    RefKind
	id      int64
	post    *Post
	account *Account
}

// RawID references an object by id only
func RawID(id int64) Ref {
	if id == 0 {
		return Ref{}
	}
	return Ref{kind: RefRawID, id: id}
}

// PostRef references a canonical post
func PostRef(p *Post) Ref {
	if p == nil {
		return Ref{}
	}
	return Ref{kind: RefPost, id: p.ID(), post: p}
}

// AccountRef references a canonical account
func AccountRef(a *Account) Ref {
	if a == nil {
		return Ref{}
	}
	return Ref{kind: RefAccount, id: a.ID(), account: a}
}

func (r Ref) Kind() RefKind { return r.kind }

// ID returns the referenced id for every kind, 0 for RefNone
func (r Ref) ID() int64 { return r.id }

func (r Ref) IsZero() bool { return r.kind == RefNone }

// Resolved reports whether the ref holds a materialized object
func (r Ref) Resolved() bool { return r.kind == RefPost || r.kind == RefAccount }

func (r Ref) Post() (*Post, bool) { return r.post, r.kind == RefPost }

func (r Ref) Account() (*Account, bool) { return r.account, r.kind == RefAccount }

func (r Ref) String() string {
	if r.kind == RefNone {
		return "ref(none)"
	}
	return fmt.Sprintf("ref(%s:%d)", r.kind, r.id)
}
