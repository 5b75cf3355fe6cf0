package models

import "strconv"

const (
	ImageDescriptionPrefix   = "##Image Description: "
	FilesMetadataCollection  = "files_metadata"
	DocumentCollectionPrefix = "doc_"
	PageIDPrefix             = "page_"
	DefaultTopK              = 3
)

// metadata keys stored alongside records
const (
	MetaUUID            = "uuid"
	MetaContentHash     = "content_hash"
	MetaOriginalName    = "original_name"
	MetaUploadTimestamp = "upload_timestamp"
	MetaPage            = "page"
)

var (
	ImageAnalysisPrompt = `Task: Analyze the provided image and output a valid JSON object with one field:

"description": A detailed description of the image.
Example output:
{"description": "<detailed description>"}`
)

// CollectionName returns the per-document collection name. It depends on the
// document id only, so the query side can derive it without a lookup.
func CollectionName(documentID string) string {
	return DocumentCollectionPrefix + documentID
}

// PageID returns the record id of a page inside a document collection.
func PageID(pageNumber int) string {
	return PageIDPrefix + strconv.Itoa(pageNumber)
}
