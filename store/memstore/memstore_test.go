package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagram-collab-server/domain"
	"diagram-collab-server/store"
	"diagram-collab-server/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestStore_CopiesRecords(t *testing.T) {
	s := New()
	doc := &domain.Document{Title: "Flow", OwnerID: "u1", Collaborators: []string{"a"}}
	require.NoError(t, s.InsertDocument(context.Background(), doc))

	doc.Collaborators[0] = "mutated"
	got, err := s.FindDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Collaborators)

	got.Title = "mutated"
	again, err := s.FindDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Flow", again.Title)
}
