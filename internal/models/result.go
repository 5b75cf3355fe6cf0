package models

type Status string

const (
	StatusSuccess   Status = "success"
	StatusDuplicate Status = "duplicate"
	StatusError     Status = "error"
)

type IngestResult struct {
	Status     Status `json:"status"`
	DocumentID string `json:"file_uuid,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Match is a single similarity hit. Distance is 1 - cosine similarity, so
// lower is closer.
type Match struct {
	ID       string            `json:"id"`
	Document string            `json:"document"`
	Metadata map[string]string `json:"metadata"`
	Distance float32           `json:"distance"`
}

type QueryResult struct {
	Status  Status  `json:"status"`
	Results []Match `json:"results,omitempty"`
	Message string  `json:"message,omitempty"`
}
