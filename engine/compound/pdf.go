package compound

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrMalformedPDF is returned when the document cannot be parsed as a PDF.
var ErrMalformedPDF = errors.New("malformed pdf")

// pdfPages adapts a parsed PDF to PageSource.
type pdfPages struct {
	r *pdf.Reader
}

// OpenPDF parses data as a PDF document.
func OpenPDF(data []byte) (src PageSource, err error) {
	defer func() {
		if r := recover(); r != nil {
			src, err = nil, fmt.Errorf("compound: open pdf: %w: %v", ErrMalformedPDF, r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("compound: open pdf: %w: %v", ErrMalformedPDF, err)
	}
	return &pdfPages{r: r}, nil
}

func (p *pdfPages) NumPages() int { return p.r.NumPage() }

func (p *pdfPages) PageText(i int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("compound: page %d: %w: %v", i+1, ErrMalformedPDF, r)
		}
	}()
	page := p.r.Page(i + 1)
	if page.V.IsNull() {
		return "", nil
	}
	return layoutText(page.Content().Text), nil
}

// layoutText joins positioned glyphs in content-stream order. A change of
// baseline starts a new line and a horizontal jump past the previous glyph
// becomes a space, so words placed by Td moves or TJ kerning stay apart.
func layoutText(glyphs []pdf.Text) string {
	var b strings.Builder
	for i, g := range glyphs {
		if i > 0 && g.S != "" {
			prev := glyphs[i-1]
			size := math.Max(math.Abs(prev.FontSize), 1)
			switch {
			case math.Abs(g.Y-prev.Y) > size/2:
				b.WriteByte('\n')
			case g.X > prev.X+prev.W+size*0.15 && !endsInSpace(&b) && !strings.HasPrefix(g.S, " "):
				b.WriteByte(' ')
			}
		}
		b.WriteString(g.S)
	}
	return b.String()
}

func endsInSpace(b *strings.Builder) bool {
	s := b.String()
	return s != "" && (s[len(s)-1] == ' ' || s[len(s)-1] == '\n')
}
