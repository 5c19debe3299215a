// Package compound finds the tyre compound selection for a Grand Prix: it reads
// event-notes PDFs page by page and drives the locate, fetch, extract loop.
package compound

import (
	"regexp"

	"github.com/WessleyAI/compound-finder/engine/domain"
)

// Marker is the heading that precedes the compound list in event notes.
const Marker = "Compounds selection"

// markerRegex matches Marker with any whitespace, a line break or nothing at
// all between the words.
var markerRegex = regexp.MustCompile(`Compounds\s*selection`)

var compoundRegex = regexp.MustCompile(`C\d`)

// PageSource gives access to the plain text of a document, one page at a time.
type PageSource interface {
	NumPages() int
	// PageText returns the text of page i, counting from zero.
	PageText(i int) (string, error)
}

// ScanPages reads pages in order and stops at the first one containing Marker.
// It returns the compound codes on that page and found=true, or nil and
// found=false if no page has the marker. Pages after the match are not read.
func ScanPages(src PageSource) (domain.CompoundSet, bool, error) {
	for i := 0; i < src.NumPages(); i++ {
		text, err := src.PageText(i)
		if err != nil {
			return nil, false, err
		}
		if markerRegex.MatchString(text) {
			return domain.NewCompoundSet(compoundRegex.FindAllString(text, -1)...), true, nil
		}
	}
	return nil, false, nil
}

// ExtractCompounds opens pdf and scans it with ScanPages.
func ExtractCompounds(pdf []byte) (domain.CompoundSet, bool, error) {
	src, err := OpenPDF(pdf)
	if err != nil {
		return nil, false, err
	}
	return ScanPages(src)
}

// Extractor turns a downloaded document into a compound set.
type Extractor interface {
	Extract(pdf []byte) (domain.CompoundSet, bool, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(pdf []byte) (domain.CompoundSet, bool, error)

func (f ExtractorFunc) Extract(pdf []byte) (domain.CompoundSet, bool, error) { return f(pdf) }

// PDFExtractor is the Extractor backed by ExtractCompounds.
var PDFExtractor Extractor = ExtractorFunc(ExtractCompounds)
