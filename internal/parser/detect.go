package parser

import (
	"github.com/gabriel-vasile/mimetype"
)

// Format は解析ライブラリが扱える文書形式です。
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatEPUB  Format = "epub"
	FormatXPS   Format = "xps"
	FormatMOBI  Format = "mobi"
	FormatImage Format = "image"
)

var supportedMIME = []struct {
	mime   string
	format Format
}{
	{"application/pdf", FormatPDF},
	{"application/epub+zip", FormatEPUB},
	{"application/vnd.ms-xpsdocument", FormatXPS},
	{"application/oxps", FormatXPS},
	{"application/x-mobipocket-ebook", FormatMOBI},
	{"image/png", FormatImage},
	{"image/jpeg", FormatImage},
}

// Detection は先頭バイト列から判定した形式です。
type Detection struct {
	MIMEType  string
	Format    Format
	Supported bool
}

// Detect はアップロードの先頭ウィンドウから形式を判定します。
func Detect(head []byte) Detection {
	mtype := mimetype.Detect(head)
	for _, s := range supportedMIME {
		if mtype.Is(s.mime) {
			return Detection{MIMEType: s.mime, Format: s.format, Supported: true}
		}
	}
	return Detection{MIMEType: mtype.String()}
}
