package cachekey

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Body 是可参与 key 计算的请求体。实现负责把内容解码为有序的文本块。
type Body interface {
	textChunks(ctx context.Context) (chunks []string, raw []byte, err error)
}

// StringBody 以单个文本块参与计算。
type StringBody string

func (b StringBody) textChunks(context.Context) ([]string, []byte, error) {
	return []string{string(b)}, nil, nil
}

// BlobBody 对应一次性读出的二进制内容，整体按 UTF-8 解码为一个块。
type BlobBody []byte

func (b BlobBody) textChunks(context.Context) ([]string, []byte, error) {
	dec := newChunkDecoder()
	return []string{dec.decode(b, true)}, nil, nil
}

// FormField 是表单中的一个字段，同名字段按出现顺序合并。
type FormField struct {
	Name  string
	Value string
}

// FormBody 保持字段的插入顺序；每个不同的字段名生成一个 name=v1,v2 块。
type FormBody []FormField

func (b FormBody) textChunks(context.Context) ([]string, []byte, error) {
	order := make([]string, 0, len(b))
	values := make(map[string][]string, len(b))
	for _, field := range b {
		if _, seen := values[field.Name]; !seen {
			order = append(order, field.Name)
		}
		values[field.Name] = append(values[field.Name], field.Value)
	}
	chunks := make([]string, 0, len(order))
	for _, name := range order {
		chunks = append(chunks, name+"="+strings.Join(values[name], ","))
	}
	return chunks, nil, nil
}

// MultipartBody 将 multipart.Form 转为 FormBody。Go 的表单是 map，
// 因此字段名按字典序排列；文件字段读取其文本内容。
func MultipartBody(form *multipart.Form) (FormBody, error) {
	if form == nil {
		return nil, nil
	}
	names := make([]string, 0, len(form.Value)+len(form.File))
	for name := range form.Value {
		names = append(names, name)
	}
	for name := range form.File {
		if _, dup := form.Value[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var body FormBody
	for _, name := range names {
		for _, value := range form.Value[name] {
			body = append(body, FormField{Name: name, Value: value})
		}
		for _, header := range form.File[name] {
			f, err := header.Open()
			if err != nil {
				return nil, err
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			body = append(body, FormField{Name: name, Value: string(content)})
		}
	}
	return body, nil
}

// StreamBody 逐块读取 io.Reader；每次 Read 的结果是一个块。
type StreamBody struct {
	R io.Reader
}

func (b StreamBody) textChunks(ctx context.Context) ([]string, []byte, error) {
	if b.R == nil {
		return nil, nil, nil
	}
	dec := newChunkDecoder()
	var (
		chunks []string
		raw    []byte
	)
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			chunks = append(chunks, dec.decode(nil, true))
			return chunks, raw, err
		}
		n, err := b.R.Read(buf)
		if n > 0 {
			raw = append(raw, buf[:n]...)
			chunks = append(chunks, dec.decode(buf[:n], false))
		}
		if err != nil {
			chunks = append(chunks, dec.decode(nil, true))
			if errors.Is(err, io.EOF) {
				return chunks, raw, nil
			}
			return chunks, raw, err
		}
	}
}

// chunkDecoder 按块解码 UTF-8，未完整的多字节序列留到下一块。
type chunkDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newChunkDecoder() *chunkDecoder {
	return &chunkDecoder{t: unicode.UTF8.NewDecoder()}
}

func (d *chunkDecoder) decode(chunk []byte, final bool) string {
	src := append(d.pending, chunk...)
	d.pending = nil
	if len(src) == 0 {
		return ""
	}
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	nDst, nSrc, err := d.t.Transform(dst, src, final)
	if errors.Is(err, transform.ErrShortSrc) {
		d.pending = append([]byte(nil), src[nSrc:]...)
	}
	if final {
		d.t.Reset()
	}
	return string(dst[:nDst])
}
