package models

import "time"

// DocumentIdentity is built once per ingestion attempt. Only ContentHash is
// used for dedup; DocumentID is fixed at first ingestion.
type DocumentIdentity struct {
	Path            string
	ContentHash     string
	DocumentID      string
	OriginalName    string
	IngestTimestamp time.Time
}

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// ContentItem is one unit of page content produced by an extractor.
type ContentItem struct {
	Type   ContentType `json:"type"`
	Data   string      `json:"data,omitempty"`
	Image  []byte      `json:"-"`
	Format string      `json:"ext,omitempty"`
}

func TextItem(s string) ContentItem {
	return ContentItem{Type: ContentText, Data: s}
}

func ImageItem(b []byte, format string) ContentItem {
	return ContentItem{Type: ContentImage, Image: b, Format: format}
}

// Page holds the items of one page in reading order.
type Page struct {
	PageNumber int           `json:"page_number"`
	Items      []ContentItem `json:"content"`
}

// PageRecord is the assembled text of a page, stored as one record.
type PageRecord struct {
	Text       string `json:"text"`
	PageNumber int    `json:"page_number"`
	DocumentID string `json:"file_uuid"`
}

// FileInfo is a row of the files metadata collection.
type FileInfo struct {
	DocumentID      string    `json:"uuid"`
	ContentHash     string    `json:"content_hash"`
	OriginalName    string    `json:"original_name"`
	UploadTimestamp time.Time `json:"upload_timestamp"`
}
