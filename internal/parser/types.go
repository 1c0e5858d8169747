// Package parser は外部の文書解析ライブラリを包むインターフェースと型を提供します。
package parser

import (
	"bytes"
	"encoding/json"
)

// Field は解析ライブラリが返す任意項目です。Present が false の場合は値が存在しません。
type Field struct {
	Value   string
	Present bool
}

// NewField は空文字列を「存在しない」として扱う Field を作成します。
func NewField(v string) Field {
	return Field{Value: v, Present: v != ""}
}

// MarshalJSON は存在しない項目を null として出力します。
func (f Field) MarshalJSON() ([]byte, error) {
	if !f.Present {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// UnmarshalJSON は null を存在しない項目として読み込みます。
func (f *Field) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Field{}
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Field{Value: v, Present: true}
	return nil
}

// Metadata は文書のメタデータです。
type Metadata struct {
	Format       string `json:"format,omitempty"`
	MIMEType     string `json:"mimeType,omitempty"`
	Title        Field  `json:"title"`
	Author       Field  `json:"author"`
	Subject      Field  `json:"subject"`
	Keywords     Field  `json:"keywords"`
	Creator      Field  `json:"creator"`
	Producer     Field  `json:"producer"`
	CreationDate Field  `json:"creationDate"`
	ModDate      Field  `json:"modDate"`
	PageCount    int    `json:"pageCount"`
	Encrypted    bool   `json:"encrypted"`
}

// TOCEntry は目次の1項目です（Page は1始まり）。
type TOCEntry struct {
	Title string `json:"title"`
	Page  int    `json:"page"`
	Level int    `json:"level"`
}

// Block はページ内の段落単位のテキストです。
type Block struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// PageResult は1ページ分の抽出結果です。Index は0始まり、Number は1始まりです。
type PageResult struct {
	Index  int     `json:"index"`
	Number int     `json:"number"`
	Text   string  `json:"text"`
	Blocks []Block `json:"blocks,omitempty"`
}

// ThumbnailOptions はサムネイル生成の設定です。
type ThumbnailOptions struct {
	Quality  int     // JPEG品質 (1-100)
	Scale    float64 // 72dpi を 1.0 とした描画倍率
	MaxWidth int     // 0 の場合は縮小しない
}

// Document は開かれた文書のハンドルです。
// ハンドルはゴルーチン間で共有してはいけません。ワーカーごとに Open してください。
type Document interface {
	PageCount() int
	Metadata() (*Metadata, error)
	TOC() ([]TOCEntry, error)
	Thumbnail(opts ThumbnailOptions) ([]byte, error)
	ParsePage(index int) (*PageResult, error)
	Close() error
}

// Parser は文書を開く外部ライブラリの窓口です。
type Parser interface {
	// Open はスクラッチファイル上の文書を開きます。
	Open(path string) (Document, error)
	// OpenBytes はメモリ上のバイト列（先頭ウィンドウを含む）から文書を開きます。
	OpenBytes(data []byte) (Document, error)
}
