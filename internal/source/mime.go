package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/linkage"
)

// ParsedPart 邮件中的一个附件部分
type ParsedPart struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Content     []byte
}

// ParsedEmail 表示解析后的邮件头和附件。
type ParsedEmail struct {
	MessageID   string
	Subject     string
	From        string
	To          string
	Cc          string
	Date        string
	Attachments []ParsedPart
}

// ParseEmail 解析 RFC 5322 邮件，提取头部和附件。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		MessageID: strings.Trim(msg.Header.Get("Message-Id"), "<> "),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		From:      decodeHeader(msg.Header.Get("From")),
		To:        decodeHeader(msg.Header.Get("To")),
		Cc:        decodeHeader(msg.Header.Get("Cc")),
		Date:      msg.Header.Get("Date"),
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		// 单部分邮件没有附件
		return parsed, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart message without boundary")
	}
	if err := parseMultipart(multipart.NewReader(msg.Body, boundary), parsed); err != nil {
		return nil, fmt.Errorf("parse multipart: %w", err)
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail) error {
	for {
		// NextRawPart 不会自动解码 quoted-printable，统一由 decodeTransfer 处理
		part, err := mr.NextRawPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed); err != nil {
					return err
				}
			}
			continue
		}

		contentID := strings.Trim(part.Header.Get("Content-Id"), "<> ")
		dispType, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		isAttachment := dispType == "attachment" || (dispType == "inline" && !strings.HasPrefix(mediaType, "text/"))
		// 没有 Content-Disposition 但带 Content-ID 的非文本部分（内嵌图片）
		if dispType == "" && contentID != "" && !strings.HasPrefix(mediaType, "text/") {
			isAttachment = true
			dispType = "inline"
		}
		if !isAttachment {
			continue
		}

		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}
		if filename == "" {
			filename = "unnamed"
		}

		content, err := decodeTransfer(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return fmt.Errorf("decode attachment %s: %w", filename, err)
		}

		parsed.Attachments = append(parsed.Attachments, ParsedPart{
			Filename:    decodeHeader(filename),
			ContentType: mediaType,
			ContentID:   contentID,
			Inline:      dispType == "inline",
			Content:     content,
		})
	}
}

// decodeTransfer 根据传输编码解码部分内容
func decodeTransfer(reader io.Reader, transferEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		reader = base64.NewDecoder(base64.StdEncoding, &stripSpace{r: reader})
	case "quoted-printable":
		reader = quotedprintable.NewReader(reader)
	}
	return io.ReadAll(reader)
}

// stripSpace 去掉 base64 正文中的换行和空白
type stripSpace struct {
	r io.Reader
}

func (s *stripSpace) Read(p []byte) (int, error) {
	for {
		n, err := s.r.Read(p)
		j := 0
		for _, b := range p[:n] {
			if b != '\r' && b != '\n' && b != ' ' && b != '\t' {
				p[j] = b
				j++
			}
		}
		if j > 0 || err != nil {
			return j, err
		}
	}
}

var wordDecoder = &mime.WordDecoder{CharsetReader: headerCharsetReader}

// decodeHeader 解码 RFC 2047 编码的头部，失败时返回原文
func decodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func headerCharsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc := getCharsetEncoding(strings.ToLower(strings.TrimSpace(charset)))
	if enc == nil {
		return nil, fmt.Errorf("unhandled charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "shift_jis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	}
	if enc, err := htmlindex.Get(charset); err == nil {
		return enc
	}
	return nil
}

// EMLSource 单个 .eml 文件
type EMLSource struct {
	id   string
	path string
}

// OpenEML 打开 .eml 输入
func OpenEML(p string) (*EMLSource, error) {
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("open eml %s: %w", p, err)
	}
	return &EMLSource{id: filepath.Base(p), path: p}, nil
}

// ID 返回输入标识
func (s *EMLSource) ID() string { return s.id }

// Close 无需释放资源
func (s *EMLSource) Close() error { return nil }

// Each 产出唯一的单元
func (s *EMLSource) Each(ctx context.Context, fn func(Unit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u := Unit{ID: s.id, InputID: s.id}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		u.Err = err
		return fn(u)
	}
	return fn(mimeUnit(u, s.id, raw))
}

// mimeUnit 把原始邮件转换为单元，文档 ID 优先使用 Message-Id
func mimeUnit(u Unit, name string, raw []byte) Unit {
	parsed, err := ParseEmail(raw)
	if err != nil {
		u.Err = err
		return u
	}

	docID := parsed.MessageID
	if docID == "" {
		docID = name
	}
	u.Metadata = domain.EmailMetadata{
		DocumentID:      docID,
		FromAddress:     linkage.ParseAddress(parsed.From),
		ToAddresses:     linkage.ParseAddressList(parsed.To),
		CcAddresses:     linkage.ParseAddressList(parsed.Cc),
		Subject:         parsed.Subject,
		SentAt:          ParseDate(parsed.Date),
		HasAttachments:  len(parsed.Attachments) > 0,
		AttachmentCount: len(parsed.Attachments),
	}

	for i, p := range parsed.Attachments {
		childID := fmt.Sprintf("%s.%d", docID, i+1)
		u.Attachments = append(u.Attachments, NewMemoryAttachment(Attachment{
			DocumentID: childID,
			Filename:   p.Filename,
			Extension:  filepath.Ext(p.Filename),
			MimeType:   p.ContentType,
			IsInline:   p.Inline,
			ContentID:  p.ContentID,
			Order:      uint32(i + 1),
		}, p.Content))
		u.Metadata.AttachmentDocumentIDs = append(u.Metadata.AttachmentDocumentIDs, childID)
	}
	return u
}
