package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagram-collab-server/domain"
	"diagram-collab-server/store/memstore"
)

type failingFinder struct{}

func (failingFinder) FindDocument(context.Context, string) (*domain.Document, error) {
	return nil, errors.New("database is locked")
}

func TestGuard_Check(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	private := &domain.Document{Title: "Private", OwnerID: "owner", Collaborators: []string{"u-collab", "mail@example.com"}}
	require.NoError(t, s.InsertDocument(ctx, private))
	public := &domain.Document{Title: "Public", OwnerID: "owner", IsPublic: true}
	require.NoError(t, s.InsertDocument(ctx, public))

	tests := []struct {
		name     string
		document string
		user     domain.User
		wantErr  error
	}{
		{name: "owner", document: private.ID, user: domain.User{ID: "owner"}},
		{name: "collaborator by id", document: private.ID, user: domain.User{ID: "u-collab"}},
		{name: "collaborator by email", document: private.ID, user: domain.User{ID: "x", Email: "mail@example.com"}},
		{name: "stranger", document: private.ID, user: domain.User{ID: "x", Email: "x@example.com"}, wantErr: domain.ErrAccessDenied},
		{name: "public", document: public.ID, user: domain.User{ID: "x"}},
		{name: "missing", document: "nope", user: domain.User{ID: "owner"}, wantErr: domain.ErrNotFound},
	}

	g := NewGuard(s)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := g.Check(ctx, tt.document, tt.user)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, doc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.document, doc.ID)
		})
	}
}

func TestGuard_StoreFailure(t *testing.T) {
	_, err := NewGuard(failingFinder{}).Check(context.Background(), "d1", domain.User{ID: "u1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
	assert.NotErrorIs(t, err, domain.ErrAccessDenied)
}

func TestCanEdit(t *testing.T) {
	doc := &domain.Document{OwnerID: "owner", IsPublic: true, Collaborators: []string{"mail@example.com"}}

	assert.True(t, CanEdit(doc, domain.User{ID: "owner"}))
	assert.True(t, CanEdit(doc, domain.User{ID: "x", Email: "mail@example.com"}))
	assert.False(t, CanEdit(doc, domain.User{ID: "x"}), "public grants viewing only")
	assert.True(t, CanView(doc, domain.User{ID: "x"}))
	assert.False(t, CanEdit(doc, domain.User{ID: "x", Email: ""}))
}
