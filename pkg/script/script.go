package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/zurustar/mmscript/pkg/fileutil"
	"github.com/zurustar/mmscript/pkg/vm"
)

// DefaultEncoding 文字コード未指定時に使う名前
const DefaultEncoding = "utf-8"

// Script はスクリプトファイルを表す
type Script struct {
	FileName string // ファイル名
	Content  string // UTF-8に変換された内容
	Size     int64  // ファイルサイズ
	Encoding string // 変換元の文字コード名
}

// Loader はスクリプトファイルの読み込みを行う
type Loader struct {
	encName string
	enc     encoding.Encoding
}

// NewLoader Loaderを作成
// encNameはWHATWG名（utf-8, shift_jis, gbk, windows-1252など）、空はutf-8
func NewLoader(encName string) (*Loader, error) {
	if encName == "" {
		encName = DefaultEncoding
	}
	enc, err := htmlindex.Get(encName)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", encName, err)
	}
	canonical, err := htmlindex.Name(enc)
	if err != nil {
		canonical = strings.ToLower(encName)
	}
	return &Loader{encName: canonical, enc: enc}, nil
}

// Encoding 使用する文字コード名を返す
func (l *Loader) Encoding() string {
	return l.encName
}

// Load 単一のスクリプトファイルを読み込む
// 読み込みや変換の失敗はvm.ErrParseFileとして判別できる
// ファイル名の大文字小文字は区別しない
func (l *Loader) Load(path string) (*Script, error) {
	path, err := fileutil.Resolve(path)
	if err != nil {
		return nil, unreadable(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, unreadable(err)
	}
	if info.IsDir() {
		return nil, unreadable(fmt.Errorf("%s is a directory", path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, unreadable(err)
	}

	content, err := l.Decode(data)
	if err != nil {
		return nil, unreadable(err)
	}

	return &Script{
		FileName: filepath.Base(path),
		Content:  content,
		Size:     info.Size(),
		Encoding: l.encName,
	}, nil
}

// LoadReader 任意のReaderからスクリプトを読み込む
func (l *Loader) LoadReader(name string, r io.Reader) (*Script, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, unreadable(err)
	}
	content, err := l.Decode(data)
	if err != nil {
		return nil, unreadable(err)
	}
	return &Script{
		FileName: name,
		Content:  content,
		Size:     int64(len(data)),
		Encoding: l.encName,
	}, nil
}

// Decode バイト列をUTF-8文字列に変換
// 先頭にBOMがある場合は指定の文字コードよりBOMを優先する
func (l *Loader) Decode(data []byte) (string, error) {
	decoder := unicode.BOMOverride(l.enc.NewDecoder())
	reader := transform.NewReader(bytes.NewReader(data), decoder)

	utf8Data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", l.encName, err)
	}
	return string(utf8Data), nil
}

func unreadable(err error) error {
	return fmt.Errorf("failed to read script: %w", errors.Join(vm.ErrParseFile, err))
}
