// Package storetest holds the behaviour every store.Store must share.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagram-collab-server/domain"
	"diagram-collab-server/store"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newDocument(owner, title string, offset time.Duration) *domain.Document {
	return &domain.Document{
		Title:         title,
		Description:   "about " + title,
		DiagramData:   json.RawMessage(`{"elements":[]}`),
		OwnerID:       owner,
		Collaborators: []string{},
		CreatedAt:     base.Add(offset),
		UpdatedAt:     base.Add(offset),
	}
}

// Run exercises s; each subtest gets a fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("document round trip", func(t *testing.T) {
		s := newStore(t)
		doc := newDocument("u1", "Flow", 0)
		doc.Collaborators = []string{"b@example.com"}
		require.NoError(t, s.InsertDocument(ctx, doc))
		require.NotEmpty(t, doc.ID)

		got, err := s.FindDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, "Flow", got.Title)
		assert.Equal(t, "u1", got.OwnerID)
		assert.Equal(t, []string{"b@example.com"}, got.Collaborators)
		assert.JSONEq(t, `{"elements":[]}`, string(got.DiagramData))
		assert.True(t, got.CreatedAt.Equal(doc.CreatedAt))
	})

	t.Run("missing document", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindDocument(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = s.PatchDocument(ctx, "nope", domain.DocumentPatch{UpdatedAt: base})
		assert.ErrorIs(t, err, domain.ErrNotFound)

		assert.ErrorIs(t, s.DeleteDocument(ctx, "nope"), domain.ErrNotFound)
	})

	t.Run("patch only touches given fields", func(t *testing.T) {
		s := newStore(t)
		doc := newDocument("u1", "Flow", 0)
		require.NoError(t, s.InsertDocument(ctx, doc))

		title := "Renamed"
		public := true
		later := base.Add(time.Hour)
		got, err := s.PatchDocument(ctx, doc.ID, domain.DocumentPatch{
			Title:     &title,
			IsPublic:  &public,
			UpdatedAt: later,
		})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)
		assert.Equal(t, "about Flow", got.Description)
		assert.True(t, got.IsPublic)
		assert.True(t, got.UpdatedAt.Equal(later))
		assert.JSONEq(t, `{"elements":[]}`, string(got.DiagramData))

		collaborators := []string{"x@example.com", "u9"}
		got, err = s.PatchDocument(ctx, doc.ID, domain.DocumentPatch{
			DiagramData:   json.RawMessage(`{"elements":[{"id":"a"}]}`),
			Collaborators: &collaborators,
			UpdatedAt:     later,
		})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)
		assert.Equal(t, collaborators, got.Collaborators)
		assert.JSONEq(t, `{"elements":[{"id":"a"}]}`, string(got.DiagramData))
	})

	t.Run("list filters and orders", func(t *testing.T) {
		s := newStore(t)
		first := newDocument("u1", "Network map", 0)
		second := newDocument("u1", "Org chart", time.Minute)
		shared := newDocument("u2", "Shared board", 2*time.Minute)
		shared.Collaborators = []string{"a@example.com"}
		public := newDocument("u3", "Public network", 3*time.Minute)
		public.IsPublic = true
		for _, doc := range []*domain.Document{first, second, shared, public} {
			require.NoError(t, s.InsertDocument(ctx, doc))
		}

		owned, err := s.ListDocuments(ctx, store.DocumentQuery{OwnerID: "u1"})
		require.NoError(t, err)
		require.Len(t, owned, 2)
		assert.Equal(t, second.ID, owned[0].ID)
		assert.Equal(t, first.ID, owned[1].ID)

		searched, err := s.ListDocuments(ctx, store.DocumentQuery{OwnerID: "u1", Search: "NETWORK"})
		require.NoError(t, err)
		require.Len(t, searched, 1)
		assert.Equal(t, first.ID, searched[0].ID)

		collab, err := s.ListDocuments(ctx, store.DocumentQuery{Collaborator: "a@example.com"})
		require.NoError(t, err)
		require.Len(t, collab, 1)
		assert.Equal(t, shared.ID, collab[0].ID)

		pub, err := s.ListDocuments(ctx, store.DocumentQuery{PublicOnly: true})
		require.NoError(t, err)
		require.Len(t, pub, 1)
		assert.Equal(t, public.ID, pub[0].ID)

		paged, err := s.ListDocuments(ctx, store.DocumentQuery{OwnerID: "u1", Skip: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, first.ID, paged[0].ID)
	})

	t.Run("chat records", func(t *testing.T) {
		s := newStore(t)
		doc := newDocument("u1", "Flow", 0)
		require.NoError(t, s.InsertDocument(ctx, doc))

		var ids []string
		for i, text := range []string{"one", "two", "three"} {
			rec := &domain.ChatRecord{
				DocumentID:  doc.ID,
				UserID:      "u1",
				Username:    "alice",
				Message:     text,
				MessageType: "text",
				CreatedAt:   base.Add(time.Duration(i) * time.Second),
				Reactions:   map[string][]string{},
			}
			require.NoError(t, s.InsertChat(ctx, rec))
			ids = append(ids, rec.ID)
		}

		rec, err := s.FindChat(ctx, ids[1])
		require.NoError(t, err)
		edited := base.Add(time.Hour)
		rec.Message = "deux"
		rec.IsEdited = true
		rec.UpdatedAt = &edited
		rec.Reactions = map[string][]string{"+1": {"u2"}}
		require.NoError(t, s.UpdateChat(ctx, rec))

		got, err := s.FindChat(ctx, ids[1])
		require.NoError(t, err)
		assert.Equal(t, "deux", got.Message)
		assert.True(t, got.IsEdited)
		require.NotNil(t, got.UpdatedAt)
		assert.True(t, got.UpdatedAt.Equal(edited))
		assert.Equal(t, []string{"u2"}, got.Reactions["+1"])

		first, err := s.FindChat(ctx, ids[0])
		require.NoError(t, err)
		first.IsDeleted = true
		require.NoError(t, s.UpdateChat(ctx, first))

		listed, err := s.ListChats(ctx, doc.ID, 0, 10)
		require.NoError(t, err)
		require.Len(t, listed, 2)
		assert.Equal(t, "deux", listed[0].Message)
		assert.Equal(t, "three", listed[1].Message)

		assert.ErrorIs(t, s.UpdateChat(ctx, &domain.ChatRecord{ID: "missing"}), domain.ErrNotFound)
		_, err = s.FindChat(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("delete removes chat", func(t *testing.T) {
		s := newStore(t)
		doc := newDocument("u1", "Flow", 0)
		require.NoError(t, s.InsertDocument(ctx, doc))
		rec := &domain.ChatRecord{DocumentID: doc.ID, UserID: "u1", Username: "alice",
			Message: "hi", MessageType: "text", CreatedAt: base}
		require.NoError(t, s.InsertChat(ctx, rec))

		require.NoError(t, s.DeleteDocument(ctx, doc.ID))

		_, err := s.FindDocument(ctx, doc.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.FindChat(ctx, rec.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("insert action assigns id", func(t *testing.T) {
		s := newStore(t)
		action := &domain.CanvasAction{
			DocumentID: "d1",
			UserID:     "u1",
			ActionType: "draw",
			Data:       json.RawMessage(`{"action_type":"draw"}`),
			CreatedAt:  base,
		}
		require.NoError(t, s.InsertAction(ctx, action))
		assert.NotEmpty(t, action.ID)
	})
}
