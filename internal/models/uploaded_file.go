package models

import "time"

// UploadedFile describes a document that currently takes part in the chat context.
type UploadedFile struct {
	FileURI    string    `json:"fileUri"`
	FileName   string    `json:"fileName"`
	MimeType   string    `json:"mimeType"`
	UploadedBy string    `json:"uploadedBy"`
	UploadedAt time.Time `json:"uploadedAt"`
	Size       int64     `json:"size"`
}
