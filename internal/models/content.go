package models

// ContentPart is one element of a prompt sent to a model: either inline text or
// a reference to a stored document.
type ContentPart struct {
	Text     string `json:"text,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// IsFile reports whether the part references a document.
func (p ContentPart) IsFile() bool {
	return p.FileURI != ""
}
