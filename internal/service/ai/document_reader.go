package ai

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"

	"docchat/internal/models"
)

// LocalScheme prefixes references to documents kept on local disk.
const LocalScheme = "file://"

const maxInlineRunes = 200_000

// IsLocalURI reports whether uri names a document stored on local disk.
func IsLocalURI(uri string) bool {
	return strings.HasPrefix(uri, LocalScheme)
}

// LocalURI returns the file reference for an absolute path.
func LocalURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// LocalPath resolves a file reference produced by LocalURI.
func LocalPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("not a local document reference: %s", uri)
	}
	return filepath.FromSlash(u.Path), nil
}

// TextualMIME reports whether documents of this type can be inlined as text.
func TextualMIME(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml":
		return true
	}
	return false
}

// withinDir reports whether path resolves to a location inside dir. Symlinks
// are followed when the path exists.
func withinDir(dir, path string) bool {
	if dir == "" {
		return false
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// documentReader extracts text from local documents so providers without a
// file API can still answer from them. Only files under dir are readable.
type documentReader struct {
	dir    string
	loader *file.FileLoader
}

func newDocumentReader(ctx context.Context, dir string) (*documentReader, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init document parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init document loader: %w", err)
	}
	return &documentReader{dir: dir, loader: loader}, nil
}

// Read returns the text of a local document part. Remote references and
// binary formats fail with ErrUnsupportedContent.
func (r *documentReader) Read(ctx context.Context, part models.ContentPart) (string, error) {
	if !IsLocalURI(part.FileURI) {
		return "", fmt.Errorf("%w: remote reference %s needs a provider file API", ErrUnsupportedContent, part.FileURI)
	}
	if !TextualMIME(part.MimeType) {
		return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedContent, part.FileName, part.MimeType)
	}
	path, err := LocalPath(part.FileURI)
	if err != nil {
		return "", err
	}
	if !withinDir(r.dir, path) {
		return "", fmt.Errorf("%w: %s is outside the document directory", ErrUnsupportedContent, part.FileName)
	}
	docs, err := r.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load document %s: %w", part.FileName, err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", fmt.Errorf("%w: %s has no readable text", ErrUnsupportedContent, part.FileName)
	}
	if runes := []rune(text); len(runes) > maxInlineRunes {
		text = string(runes[:maxInlineRunes])
	}
	return text, nil
}

// inline renders document parts as one text block: text parts verbatim and
// every file as a titled section.
func (r *documentReader) inline(ctx context.Context, parts []models.ContentPart) (string, error) {
	var builder strings.Builder
	for _, part := range parts {
		if !part.IsFile() {
			builder.WriteString(part.Text)
			builder.WriteString("\n\n")
			continue
		}
		text, err := r.Read(ctx, part)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&builder, "--- Document: %s ---\n%s\n--- End of %s ---\n\n", part.FileName, text, part.FileName)
	}
	return builder.String(), nil
}
