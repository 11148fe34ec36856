package models

import "time"

// ContentPart is one run of the rendered result text. The answer span is
// emitted bold, the trailing context regular.
type ContentPart struct {
	Content string `json:"content"`
	Bold    bool   `json:"bold"`
}

// SearchResult is the stable wire format of one search hit. Score is a
// calibrated percentage in [0,100]. Child carries a grouped comment or
// message when the hit's document belongs to a parent.
type SearchResult struct {
	Score           float64       `json:"score"`
	Title           string        `json:"title"`
	Author          string        `json:"author"`
	AuthorImageURL  string        `json:"author_image_url,omitempty"`
	AuthorImageData string        `json:"author_image_data,omitempty"`
	URL             string        `json:"url"`
	Location        string        `json:"location,omitempty"`
	DataSource      string        `json:"data_source"`
	Time            time.Time     `json:"time"`
	Kind            DocumentKind  `json:"kind"`
	FileKind        FileKind      `json:"file_kind,omitempty"`
	Status          string        `json:"status,omitempty"`
	Content         []ContentPart `json:"content"`
	Child           *SearchResult `json:"child,omitempty"`
}
