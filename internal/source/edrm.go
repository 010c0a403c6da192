package source

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/linkage"
)

// childDocRe 附件文档 ID 形如 <父文档ID>.<序号>
var childDocRe = regexp.MustCompile(`^(.+)\.(\d+)$`)

type edrmTag struct {
	Name  string `xml:"TagName,attr"`
	Value string `xml:"TagValue,attr"`
}

type edrmExternalFile struct {
	FilePath string `xml:"FilePath,attr"`
	FileName string `xml:"FileName,attr"`
	FileSize int64  `xml:"FileSize,attr"`
}

type edrmFile struct {
	FileType string             `xml:"FileType,attr"`
	External []edrmExternalFile `xml:"ExternalFile"`
}

type edrmDocument struct {
	DocID    string     `xml:"DocID,attr"`
	DocType  string     `xml:"DocType,attr"`
	MimeType string     `xml:"MimeType,attr"`
	Tags     []edrmTag  `xml:"Tags>Tag"`
	Files    []edrmFile `xml:"Files>File"`
}

func (d *edrmDocument) tag(name string) string {
	for _, t := range d.Tags {
		if t.Name == name {
			return t.Value
		}
	}
	return ""
}

// nativeFileName 元数据中登记的原生文件名
func (d *edrmDocument) nativeFileName() string {
	for _, f := range d.Files {
		if f.FileType != "Native" {
			continue
		}
		for _, ext := range f.External {
			if ext.FileName != "" {
				return ext.FileName
			}
		}
	}
	return ""
}

// ZipSource EDRM 归档（zl_*.xml 元数据 + 原生文件），或包含 .eml 成员的普通 zip
type ZipSource struct {
	id      string
	reader  *zip.ReadCloser
	byBase  map[string]*zip.File
	members []*zip.File
}

// OpenZip 打开 zip 输入
func OpenZip(p string) (*ZipSource, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", p, err)
	}
	s := &ZipSource{
		id:     filepath.Base(p),
		reader: r,
		byBase: make(map[string]*zip.File, len(r.File)),
	}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		s.members = append(s.members, f)
		base := path.Base(f.Name)
		if _, ok := s.byBase[base]; !ok {
			s.byBase[base] = f
		}
	}
	return s, nil
}

// ID 返回输入标识
func (s *ZipSource) ID() string { return s.id }

// Close 关闭归档
func (s *ZipSource) Close() error { return s.reader.Close() }

// Each 依次产出单元
func (s *ZipSource) Each(ctx context.Context, fn func(Unit) error) error {
	var metadata, emls []*zip.File
	for _, f := range s.members {
		base := path.Base(f.Name)
		lower := strings.ToLower(base)
		switch {
		case strings.HasSuffix(lower, ".xml") && strings.Contains(base, "zl_"):
			metadata = append(metadata, f)
		case strings.HasSuffix(lower, ".eml"):
			emls = append(emls, f)
		}
	}

	if len(metadata) > 0 {
		for _, f := range metadata {
			if err := s.eachEDRM(ctx, f, fn); err != nil {
				return err
			}
		}
		return nil
	}
	if len(emls) > 0 {
		for _, f := range emls {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(s.emlUnit(f)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoMetadata, s.id)
}

func (s *ZipSource) eachEDRM(ctx context.Context, meta *zip.File, fn func(Unit) error) error {
	docs, err := s.readMetadata(meta)
	if err != nil {
		// 元数据损坏时整个归档的单元都无法解析
		return fn(Unit{
			ID:      s.id + "#" + meta.Name,
			InputID: s.id,
			Err:     fmt.Errorf("parse %s: %w", meta.Name, err),
		})
	}

	children := make(map[string][]*edrmDocument)
	var messages []*edrmDocument
	for i := range docs {
		d := &docs[i]
		switch d.DocType {
		case "Message":
			messages = append(messages, d)
		case "File":
			if m := childDocRe.FindStringSubmatch(d.DocID); m != nil {
				children[m[1]] = append(children[m[1]], d)
			}
		}
	}

	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(s.edrmUnit(msg, children[msg.DocID])); err != nil {
			return err
		}
	}
	return nil
}

func (s *ZipSource) readMetadata(f *zip.File) ([]edrmDocument, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	dec.CharsetReader = charsetReader

	var docs []edrmDocument
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Document" {
			continue
		}
		var d edrmDocument
		if err := dec.DecodeElement(&d, &start); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (s *ZipSource) edrmUnit(msg *edrmDocument, files []*edrmDocument) Unit {
	count, _ := strconv.Atoi(strings.TrimSpace(msg.tag("#AttachmentCount")))
	meta := domain.EmailMetadata{
		DocumentID:      msg.DocID,
		FromAddress:     linkage.ParseAddress(msg.tag("#From")),
		ToAddresses:     linkage.ParseAddressList(msg.tag("#To")),
		CcAddresses:     linkage.ParseAddressList(msg.tag("#CC")),
		Subject:         msg.tag("#Subject"),
		SentAt:          ParseDate(msg.tag("#DateSent")),
		HasAttachments:  strings.EqualFold(strings.TrimSpace(msg.tag("#HasAttachments")), "true"),
		AttachmentCount: count,
	}

	sort.SliceStable(files, func(i, j int) bool {
		return childIndex(files[i].DocID) < childIndex(files[j].DocID)
	})

	atts := make([]Attachment, 0, len(files))
	for i, d := range files {
		ext := strings.TrimSpace(d.tag("#FileExtension"))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		a := Attachment{
			DocumentID: d.DocID,
			Filename:   d.tag("#FileName"),
			Extension:  ext,
			MimeType:   d.MimeType,
			Size:       -1,
			Order:      uint32(i + 1),
		}
		if member := s.lookup(d.DocID+ext, d.nativeFileName()); member != nil {
			a.Size = int64(member.UncompressedSize64)
			a.open = member.Open
		}
		atts = append(atts, a)
		meta.AttachmentDocumentIDs = append(meta.AttachmentDocumentIDs, d.DocID)
	}

	return Unit{
		ID:          s.id + "#" + msg.DocID,
		InputID:     s.id,
		Metadata:    meta,
		Attachments: atts,
	}
}

// lookup 按文件名查找归档成员，找不到时按后缀匹配
func (s *ZipSource) lookup(names ...string) *zip.File {
	for _, name := range names {
		if name == "" {
			continue
		}
		if f, ok := s.byBase[name]; ok {
			return f
		}
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		for _, f := range s.members {
			if strings.HasSuffix(f.Name, name) {
				return f
			}
		}
	}
	return nil
}

func (s *ZipSource) emlUnit(f *zip.File) Unit {
	u := Unit{ID: s.id + "#" + f.Name, InputID: s.id}
	rc, err := f.Open()
	if err != nil {
		u.Err = err
		return u
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		u.Err = err
		return u
	}
	return mimeUnit(u, path.Base(f.Name), raw)
}

func childIndex(docID string) int {
	m := childDocRe.FindStringSubmatch(docID)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[2])
	return n
}

// charsetReader 元数据声明非 UTF-8 编码时转换
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		// 无法识别的编码按 Latin-1 读取，避免整个归档失败
		enc = charmap.ISO8859_1
	}
	return enc.NewDecoder().Reader(input), nil
}
