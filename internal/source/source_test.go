package source

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const edrmXML = `<?xml version="1.0" encoding="UTF-8"?>
<Root MajorVersion="1" MinorVersion="2">
  <Batch>
    <Documents>
      <Document DocID="3.818877.ABC" DocType="Message" MimeType="message/rfc822">
        <Tags>
          <Tag TagName="#From" TagDataType="Text" TagValue="Kenneth Lay &lt;Kenneth.Lay@enron.com&gt;"/>
          <Tag TagName="#To" TagDataType="Text" TagValue="jeff.skilling@enron.com, Sherron Watkins &lt;sherron.watkins@enron.com&gt;"/>
          <Tag TagName="#Subject" TagDataType="Text" TagValue="RE: Q2 Budget"/>
          <Tag TagName="#DateSent" TagDataType="DateTime" TagValue="2001-05-30T16:13:31.0+00:00"/>
          <Tag TagName="#HasAttachments" TagDataType="Boolean" TagValue="true"/>
          <Tag TagName="#AttachmentCount" TagDataType="Integer" TagValue="3"/>
        </Tags>
      </Document>
      <Document DocID="3.818877.ABC.2" DocType="File" MimeType="application/pdf">
        <Tags>
          <Tag TagName="#FileName" TagValue="summary.pdf"/>
          <Tag TagName="#FileExtension" TagValue="pdf"/>
        </Tags>
      </Document>
      <Document DocID="3.818877.ABC.1" DocType="File" MimeType="application/msword">
        <Tags>
          <Tag TagName="#FileName" TagValue="budget.doc"/>
          <Tag TagName="#FileExtension" TagValue="doc"/>
        </Tags>
      </Document>
      <Document DocID="3.818877.ABC.3" DocType="File" MimeType="">
        <Tags>
          <Tag TagName="#FileName" TagValue="lost.xls"/>
          <Tag TagName="#FileExtension" TagValue="xls"/>
        </Tags>
      </Document>
      <Document DocID="3.818877.XYZ" DocType="Message">
        <Tags>
          <Tag TagName="#From" TagValue="jeff.skilling@enron.com"/>
          <Tag TagName="#Subject" TagValue="Lunch"/>
          <Tag TagName="#HasAttachments" TagValue="false"/>
        </Tags>
      </Document>
    </Documents>
  </Batch>
</Root>`

func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func collect(t *testing.T, src Source) []Unit {
	t.Helper()
	var units []Unit
	err := src.Each(context.Background(), func(u Unit) error {
		units = append(units, u)
		return nil
	})
	require.NoError(t, err)
	return units
}

func readAll(t *testing.T, a Attachment) string {
	t.Helper()
	rc, err := a.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestZipSource_EDRM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edrm-enron-v2_lay-k_xml.zip")
	writeZip(t, path, map[string]string{
		"zl_lay-k_001.xml":                edrmXML,
		"native_000/3.818877.ABC.1.doc":   "budget-bytes",
		"native_000/3.818877.ABC.2.pdf":   "summary-bytes",
		"text_000/3.818877.ABC.txt":       "body",
		"native_000/unrelated/readme.txt": "ignore",
	})

	src, err := Open(path)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, "edrm-enron-v2_lay-k_xml.zip", src.ID())

	units := collect(t, src)
	require.Len(t, units, 2)

	u := units[0]
	require.NoError(t, u.Err)
	assert.Equal(t, "edrm-enron-v2_lay-k_xml.zip#3.818877.ABC", u.ID)
	assert.Equal(t, "kenneth.lay@enron.com", u.Metadata.FromAddress)
	assert.Equal(t, []string{"jeff.skilling@enron.com", "sherron.watkins@enron.com"}, u.Metadata.ToAddresses)
	assert.Equal(t, "RE: Q2 Budget", u.Metadata.Subject)
	assert.Equal(t, time.Date(2001, 5, 30, 16, 13, 31, 0, time.UTC), u.Metadata.SentAt)
	assert.True(t, u.Metadata.HasAttachments)
	assert.Equal(t, 3, u.Metadata.AttachmentCount)
	assert.Equal(t, []string{"3.818877.ABC.1", "3.818877.ABC.2", "3.818877.ABC.3"}, u.Metadata.AttachmentDocumentIDs)

	require.Len(t, u.Attachments, 3)
	doc := u.Attachments[0]
	assert.Equal(t, "budget.doc", doc.Filename)
	assert.Equal(t, ".doc", doc.Extension)
	assert.Equal(t, uint32(1), doc.Order)
	assert.Equal(t, int64(len("budget-bytes")), doc.Size)
	assert.Equal(t, "budget-bytes", readAll(t, doc))

	pdf := u.Attachments[1]
	assert.Equal(t, uint32(2), pdf.Order)
	assert.Equal(t, "application/pdf", pdf.MimeType)
	assert.Equal(t, "summary-bytes", readAll(t, pdf))

	lost := u.Attachments[2]
	assert.Equal(t, int64(-1), lost.Size)
	_, err = lost.Open()
	assert.ErrorIs(t, err, ErrPayloadMissing)
	assert.Equal(t, "application/octet-stream", lost.Record("3.818877.ABC").MimeType)

	other := units[1]
	assert.False(t, other.Metadata.HasAttachments)
	assert.True(t, other.Metadata.SentAt.IsZero())
	assert.Empty(t, other.Attachments)
}

func TestZipSource_MalformedMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.zip")
	writeZip(t, path, map[string]string{
		"zl_broken.xml": `<Root><Document DocID="1" DocType="Message"><Tags>`,
	})

	src, err := OpenZip(path)
	require.NoError(t, err)
	defer src.Close()

	// 损坏的元数据无法枚举消息，整个归档只产出一个失败单元
	units := collect(t, src)
	require.Len(t, units, 1)
	assert.Equal(t, "broken.zip#zl_broken.xml", units[0].ID)
	assert.Equal(t, "broken.zip", units[0].InputID)
	require.Error(t, units[0].Err)
	assert.Contains(t, units[0].Err.Error(), "parse zl_broken.xml")
	assert.Empty(t, units[0].Attachments)
}

func TestZipSource_NoMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zip")
	writeZip(t, path, map[string]string{"readme.txt": "nothing here"})

	src, err := OpenZip(path)
	require.NoError(t, err)
	defer src.Close()

	err = src.Each(context.Background(), func(Unit) error { return nil })
	assert.ErrorIs(t, err, ErrNoMetadata)
}

func TestZipSource_StopsOnCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edrm.zip")
	writeZip(t, path, map[string]string{"zl_1.xml": edrmXML})

	src, err := OpenZip(path)
	require.NoError(t, err)
	defer src.Close()

	calls := 0
	stop := assert.AnError
	err = src.Each(context.Background(), func(Unit) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func buildEML() string {
	payload := base64.StdEncoding.EncodeToString([]byte("spreadsheet-bytes"))
	image := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	return strings.Join([]string{
		"Message-ID: <12345.JavaMail.evans@thyme>",
		"Date: Wed, 30 May 2001 09:13:31 -0700 (PDT)",
		"From: Kenneth Lay <kenneth.lay@enron.com>",
		"To: jeff.skilling@enron.com",
		"Subject: =?UTF-8?B?UTIgQnVkZ2V0?=",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: text/plain; charset=us-ascii",
		"",
		"See attached.",
		"--XYZ",
		`Content-Type: application/vnd.ms-excel; name="budget.xls"`,
		"Content-Transfer-Encoding: base64",
		`Content-Disposition: attachment; filename="budget.xls"`,
		"",
		payload,
		"--XYZ",
		"Content-Type: image/png",
		"Content-Transfer-Encoding: base64",
		"Content-ID: <logo@enron>",
		"",
		image,
		"--XYZ--",
		"",
	}, "\r\n")
}

func TestEMLSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message.eml")
	require.NoError(t, os.WriteFile(path, []byte(buildEML()), 0o644))

	src, err := Open(path)
	require.NoError(t, err)
	defer src.Close()

	units := collect(t, src)
	require.Len(t, units, 1)
	u := units[0]
	require.NoError(t, u.Err)

	assert.Equal(t, "12345.JavaMail.evans@thyme", u.Metadata.DocumentID)
	assert.Equal(t, "kenneth.lay@enron.com", u.Metadata.FromAddress)
	assert.Equal(t, "Q2 Budget", u.Metadata.Subject)
	assert.Equal(t, time.Date(2001, 5, 30, 16, 13, 31, 0, time.UTC), u.Metadata.SentAt)
	assert.True(t, u.Metadata.HasAttachments)

	require.Len(t, u.Attachments, 2)
	xls := u.Attachments[0]
	assert.Equal(t, "budget.xls", xls.Filename)
	assert.Equal(t, ".xls", xls.Extension)
	assert.False(t, xls.IsInline)
	assert.Equal(t, "spreadsheet-bytes", readAll(t, xls))

	logo := u.Attachments[1]
	assert.True(t, logo.IsInline)
	assert.Equal(t, "logo@enron", logo.ContentID)
	assert.Equal(t, uint32(2), logo.Order)
	assert.Equal(t, "png-bytes", readAll(t, logo))
}

func TestZipSource_EMLMembers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maildir.zip")
	writeZip(t, path, map[string]string{
		"lay-k/inbox/1.eml": buildEML(),
		"lay-k/inbox/2.eml": "not an email",
	})

	src, err := OpenZip(path)
	require.NoError(t, err)
	defer src.Close()

	units := collect(t, src)
	require.Len(t, units, 2)

	var ok, failed int
	for _, u := range units {
		if u.Err != nil {
			failed++
		} else {
			ok++
			assert.Len(t, u.Attachments, 2)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.zip", "a.eml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "c.zip"), nil, 0o644))

	inputs, err := Discover([]string{dir, filepath.Join(dir, "b.zip")})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.eml"), filepath.Join(dir, "b.zip")}, inputs)

	_, err = Discover([]string{filepath.Join(dir, "nested", "..", "notes.txt")})
	assert.ErrorIs(t, err, ErrNoInputs)

	_, err = Discover([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)

	_, err = Open(filepath.Join(dir, "notes.txt"))
	assert.ErrorIs(t, err, ErrUnsupportedInput)
}

func TestParseDate(t *testing.T) {
	want := time.Date(2001, 5, 30, 16, 13, 31, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2001-05-30T16:13:31.0+00:00", want},
		{"2001-05-30T16:13:31+00:00", want},
		{"2001-05-30T09:13:31.000-07:00", want},
		{"2001-05-30T16:13:31", want},
		{"Wed, 30 May 2001 09:13:31 -0700 (PDT)", want},
		{"Wed, 30 May 2001 09:13:31 -0700", want},
		{"", time.Time{}},
		{"yesterday", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.True(t, tt.want.Equal(ParseDate(tt.in)), "got %v", ParseDate(tt.in))
		})
	}
}
