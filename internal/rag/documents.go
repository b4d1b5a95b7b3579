package rag

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// maxDocumentBytes skips anything larger; those are rarely prose.
const maxDocumentBytes = 16 << 20

type document struct {
	source string
	text   string
}

// loadDocuments reads path, a single file or a directory tree. Hidden
// entries and files that are not valid UTF-8 text are skipped.
func loadDocuments(path string) ([]document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("document path: %w", err)
	}

	if !info.IsDir() {
		doc, ok, err := readDocument(path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%s is not a text document", path)
		}
		return []document{doc}, nil
	}

	var docs []document
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != path && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		doc, ok, err := readDocument(p)
		if err != nil {
			return err
		}
		if ok {
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", path, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no text documents found under %s", path)
	}
	return docs, nil
}

func readDocument(path string) (document, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return document{}, false, err
	}
	if info.Size() > maxDocumentBytes {
		return document{}, false, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return document{}, false, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(src) || bytes.IndexByte(src, 0) >= 0 {
		return document{}, false, nil
	}

	body := string(src)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		body = markdownText(src)
	}
	if strings.TrimSpace(body) == "" {
		return document{}, false, nil
	}
	return document{source: path, text: body}, true, nil
}

// markdownText flattens Markdown to plain text, one blank line between
// blocks, so headings and list items become their own paragraphs.
func markdownText(src []byte) string {
	root := goldmark.New().Parser().Parse(text.NewReader(src))

	var buf strings.Builder
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindList && n.Kind() != ast.KindDocument {
				buf.WriteString("\n\n")
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}
