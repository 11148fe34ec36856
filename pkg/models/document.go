package models

import "time"

// DocumentKind classifies the record a connector produced.
type DocumentKind string

const (
	KindDocument    DocumentKind = "document"
	KindMessage     DocumentKind = "message"
	KindComment     DocumentKind = "comment"
	KindPerson      DocumentKind = "person"
	KindIssue       DocumentKind = "issue"
	KindPullRequest DocumentKind = "pull_request"
)

// FileKind identifies the originating file format, when there is one.
type FileKind string

const (
	FileGoogleDoc FileKind = "google_doc"
	FileDocx      FileKind = "docx"
	FilePptx      FileKind = "pptx"
	FileTxt       FileKind = "txt"
	FileNone      FileKind = ""
)

// Document is the canonical normalised record every connector emits and the
// indexer persists. Content travels with the document until it is split into
// chunks; the stored row keeps only metadata.
type Document struct {
	ID             int64        `json:"id"`
	SourceID       int64        `json:"source_id"`
	ExternalID     string       `json:"external_id"`
	Kind           DocumentKind `json:"kind"`
	FileKind       FileKind     `json:"file_kind,omitempty"`
	Title          string       `json:"title"`
	Author         string       `json:"author"`
	AuthorImageURL string       `json:"author_image_url,omitempty"`
	Location       string       `json:"location,omitempty"`
	URL            string       `json:"url,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
	Status         string       `json:"status,omitempty"`
	IsActive       *bool        `json:"is_active,omitempty"`
	ParentID       *int64       `json:"parent_id,omitempty"`

	Content  string     `json:"content,omitempty"`
	Children []Document `json:"children,omitempty"`
}

// Chunk is a bounded text fragment derived from a document's content; the
// unit of indexing and retrieval.
type Chunk struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"document_id"`
	Content    string `json:"content"`
}

// ChunkWithDocument pairs a chunk with its owning document and source type
// name, as fetched for search-result assembly.
type ChunkWithDocument struct {
	Chunk    Chunk
	Document Document
	TypeName string
}
