package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
)

func openZip(content []byte, format string) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("extract %s: not a zip: %w", format, err)
	}
	return zr, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// readZipEntry returns the bytes of the named entry, or nil if it is absent.
func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return readZipFile(f)
		}
	}
	return nil, nil
}

// textCollector joins trimmed regexp captures with single spaces.
type textCollector struct {
	b strings.Builder
}

func (c *textCollector) collect(xml string, tags ...*regexp.Regexp) {
	for _, tag := range tags {
		for _, m := range tag.FindAllStringSubmatch(xml, -1) {
			if c.b.Len() > 0 {
				c.b.WriteByte(' ')
			}
			c.b.WriteString(strings.TrimSpace(m[1]))
		}
	}
}

func (c *textCollector) String() string {
	return strings.TrimSpace(c.b.String())
}
