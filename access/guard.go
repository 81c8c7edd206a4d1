// Package access decides who may open, edit or administer a document.
// The real-time session join and the SSE subscribe path both go through
// Guard.Check so the two can never disagree.
package access

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"diagram-collab-server/domain"
)

type DocumentFinder interface {
	FindDocument(ctx context.Context, id string) (*domain.Document, error)
}

type Guard struct {
	documents DocumentFinder
}

func NewGuard(documents DocumentFinder) *Guard {
	return &Guard{documents: documents}
}

// Check fetches the document and applies CanView. It returns
// domain.ErrNotFound or domain.ErrAccessDenied on refusal.
func (g *Guard) Check(ctx context.Context, documentID string, user domain.User) (*domain.Document, error) {
	doc, err := g.documents.FindDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("access check %s: %w", documentID, err)
	}
	if !CanView(doc, user) {
		return nil, fmt.Errorf("%w: document %s", domain.ErrAccessDenied, documentID)
	}
	return doc, nil
}

func IsOwner(doc *domain.Document, user domain.User) bool {
	return doc.OwnerID == user.ID
}

func isCollaborator(doc *domain.Document, user domain.User) bool {
	if slices.Contains(doc.Collaborators, user.ID) {
		return true
	}
	return user.Email != "" && slices.Contains(doc.Collaborators, user.Email)
}

func CanView(doc *domain.Document, user domain.User) bool {
	return IsOwner(doc, user) || doc.IsPublic || isCollaborator(doc, user)
}

// CanEdit is the REST update rule: being public grants viewing only.
func CanEdit(doc *domain.Document, user domain.User) bool {
	return IsOwner(doc, user) || isCollaborator(doc, user)
}
