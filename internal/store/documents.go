package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/trovehq/trove/pkg/models"
)

// InsertedDocument reports what one InsertDocumentTree call persisted: the
// assigned document id and, per chunk, its id and content.
type InsertedDocument struct {
	Document models.Document
	Chunks   []models.Chunk
}

// InsertDocumentTree persists a document, its children, and pre-split chunks
// in one transaction. chunksFor maps a document (parent or child) to its chunk
// contents; assigned ids are filled into the returned tree.
func (s *Store) InsertDocumentTree(ctx context.Context, doc models.Document, chunksFor func(d models.Document) []string) (InsertedDocument, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertedDocument{}, fmt.Errorf("begin insert tree: %w", err)
	}
	defer tx.Rollback()

	out, err := insertDocInTx(ctx, tx, doc, nil, chunksFor)
	if err != nil {
		return InsertedDocument{}, err
	}

	if err := tx.Commit(); err != nil {
		return InsertedDocument{}, fmt.Errorf("commit insert tree: %w", err)
	}
	return out, nil
}

func insertDocInTx(ctx context.Context, tx *sql.Tx, doc models.Document, parentID *int64, chunksFor func(d models.Document) []string) (InsertedDocument, error) {
	var isActive interface{}
	if doc.IsActive != nil {
		isActive = boolToInt(*doc.IsActive)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents
		(source_id, external_id, kind, file_kind, title, author, author_image_url,
		 location, url, timestamp, status, is_active, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.SourceID, doc.ExternalID, string(doc.Kind), string(doc.FileKind),
		doc.Title, doc.Author, doc.AuthorImageURL, doc.Location, doc.URL,
		doc.Timestamp.UTC(), doc.Status, isActive, parentID)
	if err != nil {
		return InsertedDocument{}, fmt.Errorf("insert document %q: %w", doc.ExternalID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return InsertedDocument{}, fmt.Errorf("document id: %w", err)
	}
	doc.ID = id
	doc.ParentID = parentID

	out := InsertedDocument{Document: doc}
	// The returned tree is rebuilt from the inserted children below; keeping
	// the input's copies would double every child.
	out.Document.Children = nil
	if chunksFor != nil {
		for _, content := range chunksFor(doc) {
			cres, err := tx.ExecContext(ctx,
				`INSERT INTO chunks (document_id, content) VALUES (?, ?)`, id, content)
			if err != nil {
				return InsertedDocument{}, fmt.Errorf("insert chunk: %w", err)
			}
			cid, err := cres.LastInsertId()
			if err != nil {
				return InsertedDocument{}, fmt.Errorf("chunk id: %w", err)
			}
			out.Chunks = append(out.Chunks, models.Chunk{ID: cid, DocumentID: id, Content: content})
		}
	}

	for _, child := range doc.Children {
		child.SourceID = doc.SourceID
		childOut, err := insertDocInTx(ctx, tx, child, &id, chunksFor)
		if err != nil {
			return InsertedDocument{}, err
		}
		out.Document.Children = append(out.Document.Children, childOut.Document)
		out.Chunks = append(out.Chunks, childOut.Chunks...)
	}

	return out, nil
}

// FindDocuments returns the stored documents matching any of the external ids
// for the given source. Children are not loaded.
func (s *Store) FindDocuments(ctx context.Context, sourceID int64, externalIDs []string) ([]models.Document, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(externalIDs)+1)
	args = append(args, sourceID)
	for _, eid := range externalIDs {
		args = append(args, eid)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM documents
		WHERE source_id = ? AND external_id IN (%s)
	`, documentColumns, placeholders(len(externalIDs)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document, cascading to its chunks and child
// documents, and returns every removed chunk id (children included) so the
// caller can patch the indexes.
func (s *Store) DeleteDocument(ctx context.Context, id int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete document: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT c.id FROM chunks c
		JOIN documents d ON c.document_id = d.id
		WHERE d.id = ? OR d.parent_id = ?
	`, id, id)
	if err != nil {
		return nil, fmt.Errorf("query doomed chunk ids: %w", err)
	}
	var chunkIDs []int64
	for rows.Next() {
		var cid int64
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		chunkIDs = append(chunkIDs, cid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete document: %w", err)
	}
	return chunkIDs, nil
}

// DocumentByID loads one document without children.
func (s *Store) DocumentByID(ctx context.Context, id int64) (models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM documents WHERE id = ?`, documentColumns), id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return models.Document{}, models.NewError(models.ErrDocumentNotFound,
			fmt.Sprintf("document %d not found", id))
	}
	return doc, err
}

// ChildrenOf loads the direct children of a document.
func (s *Store) ChildrenOf(ctx context.Context, id int64) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM documents WHERE parent_id = ? ORDER BY id`, documentColumns), id)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ChunksByIDs fetches chunks with their owning documents for search-result
// assembly. Missing ids are silently skipped (the indexes may briefly lead
// the store during a rebuild).
func (s *Store) ChunksByIDs(ctx context.Context, ids []int64) ([]models.ChunkWithDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.content, s.type_name, %s
		FROM chunks c
		JOIN documents d ON c.document_id = d.id
		JOIN sources s ON d.source_id = s.id
		WHERE c.id IN (%s)
	`, prefixedDocumentColumns("d"), placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []models.ChunkWithDocument
	for rows.Next() {
		var cwd models.ChunkWithDocument
		dest := []interface{}{&cwd.Chunk.ID, &cwd.Chunk.DocumentID, &cwd.Chunk.Content, &cwd.TypeName}
		doc, scanErr := scanDocumentInto(rows, dest)
		if scanErr != nil {
			return nil, scanErr
		}
		cwd.Document = doc
		out = append(out, cwd)
	}
	return out, rows.Err()
}

// ChunkEntry is one lexical-index entry: the chunk id and the text to index,
// which is the chunk content concatenated with the document title, author,
// and source type name.
type ChunkEntry struct {
	ID   int64
	Text string
}

// AllChunkEntries streams every chunk with its indexing text for a full
// lexical rebuild.
func (s *Store) AllChunkEntries(ctx context.Context) ([]ChunkEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.content, d.title, d.author, s.type_name
		FROM chunks c
		JOIN documents d ON c.document_id = d.id
		JOIN sources s ON d.source_id = s.id
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query chunk entries: %w", err)
	}
	defer rows.Close()

	var entries []ChunkEntry
	for rows.Next() {
		var e ChunkEntry
		var content, title, author, typeName string
		if err := rows.Scan(&e.ID, &content, &title, &author, &typeName); err != nil {
			return nil, fmt.Errorf("scan chunk entry: %w", err)
		}
		e.Text = strings.TrimSpace(content + " " + title + " " + author + " " + typeName)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const documentColumns = `id, source_id, external_id, kind, file_kind, title, author,
	author_image_url, location, url, timestamp, status, is_active, parent_id`

func prefixedDocumentColumns(alias string) string {
	cols := strings.Split(documentColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanDocument(row scannable) (models.Document, error) {
	return scanDocumentInto(row, nil)
}

func scanDocumentInto(row scannable, prefix []interface{}) (models.Document, error) {
	var doc models.Document
	var kind, fileKind string
	var ts sql.NullTime
	var isActive sql.NullInt64
	var parentID sql.NullInt64

	dest := append(prefix,
		&doc.ID, &doc.SourceID, &doc.ExternalID, &kind, &fileKind,
		&doc.Title, &doc.Author, &doc.AuthorImageURL, &doc.Location, &doc.URL,
		&ts, &doc.Status, &isActive, &parentID)
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return doc, err
		}
		return doc, fmt.Errorf("scan document: %w", err)
	}

	doc.Kind = models.DocumentKind(kind)
	doc.FileKind = models.FileKind(fileKind)
	if ts.Valid {
		doc.Timestamp = ts.Time.UTC()
	}
	if isActive.Valid {
		b := isActive.Int64 != 0
		doc.IsActive = &b
	}
	if parentID.Valid {
		p := parentID.Int64
		doc.ParentID = &p
	}
	return doc, nil
}
