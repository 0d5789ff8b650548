package extract

import (
	"archive/zip"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lu4p/cat"
)

const (
	pptxSlidePathPrefix = "ppt/slides/slide"
	odfContentPath      = "content.xml"
)

var (
	atTag       = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)
	odfTextP    = regexp.MustCompile(`<text:p[^>]*>([^<]*)</text:p>`)
	odfTextSpan = regexp.MustCompile(`<text:span[^>]*>([^<]*)</text:span>`)
	odfTextH    = regexp.MustCompile(`<text:h[^>]*>([^<]*)</text:h>`)
)

// extractPPTX returns the <a:t> text of every slide, in slide order.
func extractPPTX(content []byte) (string, error) {
	zr, err := openZip(content, "PPTX")
	if err != nil {
		return "", err
	}
	var c textCollector
	for _, f := range sortedSlides(zr.File) {
		xml, err := readZipFile(f.file)
		if err != nil {
			return "", fmt.Errorf("extract PPTX: read %s: %w", f.file.Name, err)
		}
		c.collect(string(xml), atTag)
	}
	return c.String(), nil
}

// extractODP returns paragraph, span and heading text from an OpenDocument presentation.
func extractODP(content []byte) (string, error) {
	return extractODF(content, "ODP", odfTextP, odfTextSpan, odfTextH)
}

// extractODS returns cell text from an OpenDocument spreadsheet.
func extractODS(content []byte) (string, error) {
	return extractODF(content, "ODS", odfTextP, odfTextSpan)
}

func extractODF(content []byte, format string, tags ...*regexp.Regexp) (string, error) {
	zr, err := openZip(content, format)
	if err != nil {
		return "", err
	}
	xml, err := readZipEntry(zr, odfContentPath)
	if err != nil {
		return "", fmt.Errorf("extract %s: read %s: %w", format, odfContentPath, err)
	}
	if xml == nil {
		return "", fmt.Errorf("extract %s: %s not found", format, odfContentPath)
	}
	var c textCollector
	c.collect(string(xml), tags...)
	return c.String(), nil
}

// extractWithCat handles OpenDocument text and RTF; cat detects the format from the bytes.
func extractWithCat(content []byte) (string, error) {
	text, err := cat.FromBytes(content)
	if err != nil {
		return "", fmt.Errorf("extract document: %w", err)
	}
	return strings.TrimSpace(text), nil
}

type slideFile struct {
	num  int
	file *zip.File
}

// sortedSlides returns ppt/slides/slideN.xml entries ordered by N.
func sortedSlides(files []*zip.File) []slideFile {
	var slides []slideFile
	for _, f := range files {
		if !strings.HasPrefix(f.Name, pptxSlidePathPrefix) || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(f.Name, pptxSlidePathPrefix), ".xml"))
		if err != nil {
			continue
		}
		slides = append(slides, slideFile{num: n, file: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })
	return slides
}
