// Package sqlitestore persists documents, chat records and the canvas
// action log in a single SQLite database through a zombiezen connection
// pool.
package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"diagram-collab-server/domain"
	"diagram-collab-server/store"
)

type Store struct {
	pool *pool
}

var _ store.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	p, err := openPool(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() error {
	return s.pool.close()
}

const documentColumns = `id, title, description, diagram_data, owner_id, is_public,
	collaborators, created_at, updated_at`

func scanDocument(stmt *sqlite.Stmt) (*domain.Document, error) {
	doc := &domain.Document{
		ID:          stmt.ColumnText(0),
		Title:       stmt.ColumnText(1),
		Description: stmt.ColumnText(2),
		DiagramData: json.RawMessage(stmt.ColumnText(3)),
		OwnerID:     stmt.ColumnText(4),
		IsPublic:    stmt.ColumnInt64(5) != 0,
		CreatedAt:   time.Unix(0, stmt.ColumnInt64(7)).UTC(),
		UpdatedAt:   time.Unix(0, stmt.ColumnInt64(8)).UTC(),
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &doc.Collaborators); err != nil {
		return nil, fmt.Errorf("document %s collaborators: %w", doc.ID, err)
	}
	if doc.Collaborators == nil {
		doc.Collaborators = []string{}
	}
	return doc, nil
}

func boolArg(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func marshalCollaborators(collaborators []string) (string, error) {
	if collaborators == nil {
		collaborators = []string{}
	}
	data, err := json.Marshal(collaborators)
	if err != nil {
		return "", fmt.Errorf("marshal collaborators: %w", err)
	}
	return string(data), nil
}

func (s *Store) InsertDocument(ctx context.Context, doc *domain.Document) error {
	if doc.ID == "" {
		doc.ID = store.NewID()
	}
	if doc.DiagramData == nil {
		doc.DiagramData = json.RawMessage(`{}`)
	}
	collaborators, err := marshalCollaborators(doc.Collaborators)
	if err != nil {
		return err
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			doc.ID,
			doc.Title,
			doc.Description,
			string(doc.DiagramData),
			doc.OwnerID,
			boolArg(doc.IsPublic),
			collaborators,
			doc.CreatedAt.UnixNano(),
			doc.UpdatedAt.UnixNano(),
		},
	})
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func findDocument(conn *sqlite.Conn, id string) (*domain.Document, error) {
	var doc *domain.Document
	err := sqlitex.Execute(conn, `SELECT `+documentColumns+` FROM documents WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				doc, err = scanDocument(stmt)
				return err
			},
		})
	if err != nil {
		return nil, fmt.Errorf("find document %s: %w", id, err)
	}
	if doc == nil {
		return nil, domain.ErrNotFound
	}
	return doc, nil
}

func (s *Store) FindDocument(ctx context.Context, id string) (*domain.Document, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	return findDocument(conn, id)
}

func (s *Store) PatchDocument(ctx context.Context, id string, patch domain.DocumentPatch) (doc *domain.Document, err error) {
	sets := []string{"updated_at = ?"}
	args := []any{patch.UpdatedAt.UnixNano()}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.DiagramData != nil {
		sets = append(sets, "diagram_data = ?")
		args = append(args, string(patch.DiagramData))
	}
	if patch.IsPublic != nil {
		sets = append(sets, "is_public = ?")
		args = append(args, boolArg(*patch.IsPublic))
	}
	if patch.Collaborators != nil {
		collaborators, err := marshalCollaborators(*patch.Collaborators)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "collaborators = ?")
		args = append(args, collaborators)
	}
	args = append(args, id)

	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("patch document: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	query := "UPDATE documents SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if err = sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return nil, fmt.Errorf("patch document %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return nil, domain.ErrNotFound
	}
	return findDocument(conn, id)
}

func (s *Store) DeleteDocument(ctx context.Context, id string) (err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("delete document: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, "DELETE FROM documents WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return domain.ErrNotFound
	}
	if err = sqlitex.Execute(conn, "DELETE FROM chat_messages WHERE document_id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("delete chat messages of %s: %w", id, err)
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) ListDocuments(ctx context.Context, query store.DocumentQuery) ([]*domain.Document, error) {
	query = query.Normalize()

	var conditions []string
	var args []any
	if query.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, query.OwnerID)
	}
	if query.Collaborator != "" {
		conditions = append(conditions,
			"EXISTS (SELECT 1 FROM json_each(documents.collaborators) WHERE json_each.value = ?)")
		args = append(args, query.Collaborator)
	}
	if query.PublicOnly {
		conditions = append(conditions, "is_public = 1")
	}
	if query.Search != "" {
		pattern := "%" + escapeLike(query.Search) + "%"
		conditions = append(conditions, `(title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	sql := "SELECT " + documentColumns + " FROM documents"
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}
	if query.PublicOnly {
		sql += " ORDER BY created_at DESC, id DESC"
	} else {
		sql += " ORDER BY updated_at DESC, id DESC"
	}
	sql += " LIMIT ? OFFSET ?"
	args = append(args, query.Limit, query.Skip)

	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	docs := []*domain.Document{}
	err = sqlitex.ExecuteTransient(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			doc, err := scanDocument(stmt)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

const chatColumns = `id, document_id, user_id, username, user_avatar, message, message_type,
	reply_to, created_at, updated_at, is_edited, is_deleted, reactions`

func scanChat(stmt *sqlite.Stmt) (*domain.ChatRecord, error) {
	rec := &domain.ChatRecord{
		ID:          stmt.ColumnText(0),
		DocumentID:  stmt.ColumnText(1),
		UserID:      stmt.ColumnText(2),
		Username:    stmt.ColumnText(3),
		UserAvatar:  stmt.ColumnText(4),
		Message:     stmt.ColumnText(5),
		MessageType: stmt.ColumnText(6),
		ReplyTo:     stmt.ColumnText(7),
		CreatedAt:   time.Unix(0, stmt.ColumnInt64(8)).UTC(),
		IsEdited:    stmt.ColumnInt64(10) != 0,
		IsDeleted:   stmt.ColumnInt64(11) != 0,
	}
	if stmt.ColumnType(9) != sqlite.TypeNull {
		updated := time.Unix(0, stmt.ColumnInt64(9)).UTC()
		rec.UpdatedAt = &updated
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(12)), &rec.Reactions); err != nil {
		return nil, fmt.Errorf("chat %s reactions: %w", rec.ID, err)
	}
	if rec.Reactions == nil {
		rec.Reactions = map[string][]string{}
	}
	return rec, nil
}

func chatArgs(rec *domain.ChatRecord) ([]any, error) {
	reactions := rec.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	reactionsJSON, err := json.Marshal(reactions)
	if err != nil {
		return nil, fmt.Errorf("marshal reactions: %w", err)
	}
	var updatedAt any
	if rec.UpdatedAt != nil {
		updatedAt = rec.UpdatedAt.UnixNano()
	}
	return []any{
		rec.ID,
		rec.DocumentID,
		rec.UserID,
		rec.Username,
		rec.UserAvatar,
		rec.Message,
		rec.MessageType,
		rec.ReplyTo,
		rec.CreatedAt.UnixNano(),
		updatedAt,
		boolArg(rec.IsEdited),
		boolArg(rec.IsDeleted),
		string(reactionsJSON),
	}, nil
}

func (s *Store) InsertChat(ctx context.Context, rec *domain.ChatRecord) error {
	if rec.ID == "" {
		rec.ID = store.NewID()
	}
	args, err := chatArgs(rec)
	if err != nil {
		return err
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO chat_messages (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (s *Store) FindChat(ctx context.Context, id string) (*domain.ChatRecord, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var rec *domain.ChatRecord
	err = sqlitex.Execute(conn, `SELECT `+chatColumns+` FROM chat_messages WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				rec, err = scanChat(stmt)
				return err
			},
		})
	if err != nil {
		return nil, fmt.Errorf("find chat message %s: %w", id, err)
	}
	if rec == nil {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func (s *Store) UpdateChat(ctx context.Context, rec *domain.ChatRecord) error {
	args, err := chatArgs(rec)
	if err != nil {
		return err
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	// The id leads chatArgs; the WHERE clause wants it last.
	err = sqlitex.Execute(conn, `UPDATE chat_messages SET
		document_id = ?, user_id = ?, username = ?, user_avatar = ?, message = ?,
		message_type = ?, reply_to = ?, created_at = ?, updated_at = ?, is_edited = ?,
		is_deleted = ?, reactions = ?
		WHERE id = ?`, &sqlitex.ExecOptions{Args: append(args[1:], rec.ID)})
	if err != nil {
		return fmt.Errorf("update chat message %s: %w", rec.ID, err)
	}
	if conn.Changes() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context, documentID string, skip, limit int) ([]*domain.ChatRecord, error) {
	if limit <= 0 {
		limit = store.DefaultChatLimit
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	records := []*domain.ChatRecord{}
	err = sqlitex.Execute(conn, `SELECT `+chatColumns+` FROM chat_messages
		WHERE document_id = ? AND is_deleted = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`, &sqlitex.ExecOptions{
		Args: []any{documentID, limit, max(skip, 0)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := scanChat(stmt)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list chat messages of %s: %w", documentID, err)
	}
	return records, nil
}

func (s *Store) InsertAction(ctx context.Context, action *domain.CanvasAction) error {
	if action.ID == "" {
		action.ID = store.NewID()
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO canvas_actions
		(id, document_id, user_id, action_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			action.ID,
			action.DocumentID,
			action.UserID,
			action.ActionType,
			string(action.Data),
			action.CreatedAt.UnixNano(),
		},
	})
	if err != nil {
		return fmt.Errorf("insert canvas action: %w", err)
	}
	return nil
}
