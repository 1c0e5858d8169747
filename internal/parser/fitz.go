package parser

import (
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// FitzParser は MuPDF (go-fitz) を使った Parser 実装です。
type FitzParser struct{}

// NewFitzParser は FitzParser を作成します。
func NewFitzParser() *FitzParser {
	return &FitzParser{}
}

// Open はファイルから文書を開きます。
func (p *FitzParser) Open(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	return &fitzDocument{doc: doc}, nil
}

// OpenBytes はバイト列から文書を開きます。
func (p *FitzParser) OpenBytes(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open document from memory: %w", err)
	}
	return &fitzDocument{doc: doc}, nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) PageCount() int {
	return d.doc.NumPage()
}

func (d *fitzDocument) Metadata() (*Metadata, error) {
	raw := d.doc.Metadata()
	encryption := strings.TrimSpace(raw["encryption"])

	return &Metadata{
		Format:       raw["format"],
		Title:        NewField(strings.TrimSpace(raw["title"])),
		Author:       NewField(strings.TrimSpace(raw["author"])),
		Subject:      NewField(strings.TrimSpace(raw["subject"])),
		Keywords:     NewField(strings.TrimSpace(raw["keywords"])),
		Creator:      NewField(strings.TrimSpace(raw["creator"])),
		Producer:     NewField(strings.TrimSpace(raw["producer"])),
		CreationDate: NewField(strings.TrimSpace(raw["creationDate"])),
		ModDate:      NewField(strings.TrimSpace(raw["modDate"])),
		PageCount:    d.doc.NumPage(),
		Encrypted:    encryption != "" && !strings.EqualFold(encryption, "none"),
	}, nil
}

func (d *fitzDocument) TOC() ([]TOCEntry, error) {
	outline, err := d.doc.ToC()
	if err != nil {
		return nil, fmt.Errorf("failed to load outline: %w", err)
	}
	entries := make([]TOCEntry, 0, len(outline))
	for _, o := range outline {
		// MuPDF は0始まり、リンク先がない項目は -1
		page := o.Page + 1
		if o.Page < 0 {
			page = 0
		}
		entries = append(entries, TOCEntry{
			Title: o.Title,
			Page:  page,
			Level: o.Level,
		})
	}
	return entries, nil
}

func (d *fitzDocument) Thumbnail(opts ThumbnailOptions) ([]byte, error) {
	if d.doc.NumPage() == 0 {
		return nil, fmt.Errorf("document has no pages")
	}
	scale := opts.Scale
	if scale <= 0 {
		scale = 1
	}
	img, err := d.doc.ImageDPI(0, 72*scale)
	if err != nil {
		return nil, fmt.Errorf("failed to render first page: %w", err)
	}
	return encodeThumbnail(img, opts)
}

func (d *fitzDocument) ParsePage(index int) (*PageResult, error) {
	if index < 0 || index >= d.doc.NumPage() {
		return nil, fmt.Errorf("page index %d out of range", index)
	}
	text, err := d.doc.Text(index)
	if err != nil {
		return nil, fmt.Errorf("failed to extract text of page %d: %w", index+1, err)
	}
	return &PageResult{
		Index:  index,
		Number: index + 1,
		Text:   text,
		Blocks: SplitBlocks(text),
	}, nil
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}

// SplitBlocks は空行区切りでテキストを段落ブロックに分割します。
func SplitBlocks(text string) []Block {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(normalized, "\n\n")
	blocks := make([]Block, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		blocks = append(blocks, Block{Index: len(blocks), Text: trimmed})
	}
	return blocks
}
