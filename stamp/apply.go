package stamp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"
)

var (
	ErrEmptyDocument   = errors.New("stamp: empty document")
	ErrNotPDF          = errors.New("stamp: input is not a PDF document")
	ErrNoPages         = errors.New("stamp: document has no pages")
	ErrPageOutOfRange  = errors.New("stamp: placement page index out of range")
	ErrEncrypted       = errors.New("stamp: encrypted documents are not supported")
	ErrUnsupportedXref = errors.New("stamp: unsupported cross-reference format")
)

type xrefEntry struct {
	id     uint32
	offset int64
}

// PageCount parses the document and returns the number of pages.
func PageCount(input []byte) (n int, err error) {
	defer recoverParse(&err)

	rdr, err := open(input)
	if err != nil {
		return 0, err
	}
	return len(collectPages(rdr.Trailer().Key("Root").Key("Pages"))), nil
}

// Apply appends an incremental update carrying the visible stamp and the
// refreshed document information dictionary. The returned slice starts with
// the original bytes unchanged; re-parsing it yields the same page count as
// the input.
func Apply(input []byte, s *Stamp) (out []byte, err error) {
	defer recoverParse(&err)

	rdr, err := open(input)
	if err != nil {
		return nil, err
	}
	if !rdr.Trailer().Key("Encrypt").IsNull() {
		return nil, ErrEncrypted
	}
	if rdr.XrefInformation.Type != "table" {
		return nil, ErrUnsupportedXref
	}

	pages := collectPages(rdr.Trailer().Key("Root").Key("Pages"))
	if len(pages) == 0 {
		return nil, ErrNoPages
	}

	pl := s.resolvedPlacement()
	idx := pl.PageIndex
	if idx < 0 {
		idx = len(pages) - 1
	}
	if idx >= len(pages) {
		return nil, fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, pl.PageIndex, len(pages))
	}

	page := pages[idx]
	pagePtr := page.GetPtr()
	if pagePtr.GetID() == 0 {
		return nil, fmt.Errorf("stamp: page %d is not an indirect object", idx)
	}
	pageID := pagePtr.GetID()
	pageGen := pagePtr.GetGen()

	llx, lly, pageW, pageH, err := mediaBox(page)
	if err != nil {
		return nil, err
	}

	// Anchor to the bottom-right corner when no explicit position is set,
	// otherwise convert the caller's top-left origin to PDF coordinates.
	x, yTop := pl.X, pl.Y
	if x < 0 {
		x = pageW - pl.Width - DefaultMargin
	}
	if yTop < 0 {
		yTop = pageH - pl.Height - DefaultMargin
	}
	rect := [4]float64{
		llx + x,
		lly + pageH - yTop - pl.Height,
		llx + x + pl.Width,
		lly + pageH - yTop,
	}
	if rect[0] < llx || rect[1] < lly || rect[2] > llx+pageW || rect[3] > lly+pageH {
		return nil, fmt.Errorf("stamp: placement exceeds page bounds (page %.0fx%.0f)", pageW, pageH)
	}

	firstID := uint32(rdr.XrefInformation.ItemCount)
	apID := firstID
	annotID := firstID + 1
	infoID := firstID + 2

	var buf bytes.Buffer
	buf.Write(input)
	if input[len(input)-1] != '\n' && input[len(input)-1] != '\r' {
		buf.WriteByte('\n')
	}

	signedAt := s.resolvedSignedAt()
	var newEntries []xrefEntry

	// Appearance form XObject. The font lives in the form's own resource
	// dictionary, so the page resources stay untouched.
	newEntries = append(newEntries, xrefEntry{apID, int64(buf.Len())})
	content := s.appearanceContent(pl.Width, pl.Height)
	fmt.Fprintf(&buf, "%d 0 obj\n", apID)
	fmt.Fprintf(&buf, "<< /Type /XObject /Subtype /Form /FormType 1 /BBox [0 0 %s %s] ", fnum(pl.Width), fnum(pl.Height))
	buf.WriteString("/Resources << /Font << /F1 << /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >> >> >> ")
	fmt.Fprintf(&buf, "/Length %d >>\nstream\n", len(content))
	buf.Write(content)
	buf.WriteString("\nendstream\nendobj\n")

	// Stamp annotation. /Subtype /Stamp keeps the update free of AcroForm
	// bookkeeping; /F 4 prints the annotation without making it interactive.
	newEntries = append(newEntries, xrefEntry{annotID, int64(buf.Len())})
	fmt.Fprintf(&buf, "%d 0 obj\n", annotID)
	fmt.Fprintf(&buf, "<< /Type /Annot /Subtype /Stamp /Rect [%s %s %s %s] ",
		fnum(rect[0]), fnum(rect[1]), fnum(rect[2]), fnum(rect[3]))
	fmt.Fprintf(&buf, "/Contents %s ", pdfTextString(s.summary()))
	fmt.Fprintf(&buf, "/M %s ", pdfTextString(pdfDate(signedAt)))
	fmt.Fprintf(&buf, "/NM %s /F 4 ", pdfTextString(fmt.Sprintf("esign-stamp-%d", annotID)))
	fmt.Fprintf(&buf, "/AP << /N %d 0 R >> /P %d %d R >>\nendobj\n", apID, pageID, pageGen)

	// Refreshed document information dictionary.
	newEntries = append(newEntries, xrefEntry{infoID, int64(buf.Len())})
	fmt.Fprintf(&buf, "%d 0 obj\n", infoID)
	writeInfoDict(&buf, rdr.Trailer().Key("Info"), s, signedAt)
	buf.WriteString("\nendobj\n")

	// Regenerated page object with the stamp annotation merged into /Annots.
	pageOffset := int64(buf.Len())
	fmt.Fprintf(&buf, "%d %d obj\n", pageID, pageGen)
	writePageDict(&buf, page, pageID, annotID)
	buf.WriteString("\nendobj\n")

	xrefStart := int64(buf.Len())
	buf.WriteString("xref\n")
	fmt.Fprintf(&buf, "%d 1\n", pageID)
	fmt.Fprintf(&buf, "%010d %05d n\r\n", pageOffset, pageGen)
	fmt.Fprintf(&buf, "%d %d\n", firstID, len(newEntries))
	for _, e := range newEntries {
		fmt.Fprintf(&buf, "%010d 00000 n\r\n", e.offset)
	}

	rootPtr := rdr.Trailer().Key("Root").GetPtr()
	buf.WriteString("trailer\n<< ")
	fmt.Fprintf(&buf, "/Size %d ", int64(firstID)+int64(len(newEntries)))
	fmt.Fprintf(&buf, "/Root %d %d R ", rootPtr.GetID(), rootPtr.GetGen())
	fmt.Fprintf(&buf, "/Info %d 0 R ", infoID)
	fmt.Fprintf(&buf, "/Prev %d ", rdr.XrefInformation.StartPos)
	writeFileID(&buf, rdr.Trailer().Key("ID"))
	buf.WriteString(">>\nstartxref\n")
	fmt.Fprintf(&buf, "%d\n%%%%EOF\n", xrefStart)

	return buf.Bytes(), nil
}

func (s *Stamp) resolvedPlacement() Placement {
	if s.Placement == nil {
		return Placement{PageIndex: -1, X: -1, Y: -1, Width: DefaultWidth, Height: DefaultHeight}
	}
	pl := *s.Placement
	if pl.Width <= 0 {
		pl.Width = DefaultWidth
	}
	if pl.Height <= 0 {
		pl.Height = DefaultHeight
	}
	return pl
}

func open(input []byte) (*pdf.Reader, error) {
	if len(input) == 0 {
		return nil, ErrEmptyDocument
	}
	if !bytes.HasPrefix(input, []byte("%PDF-")) {
		return nil, ErrNotPDF
	}
	rdr, err := pdf.NewReader(filebuffer.New(input), int64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("stamp: parse document: %w", err)
	}
	return rdr, nil
}

// recoverParse converts reader panics on malformed input into errors.
func recoverParse(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("stamp: malformed document: %v", r)
	}
}

func collectPages(node pdf.Value) []pdf.Value {
	var pages []pdf.Value
	var walk func(v pdf.Value, depth int)
	walk = func(v pdf.Value, depth int) {
		if v.IsNull() || depth > 32 {
			return
		}
		switch v.Key("Type").Name() {
		case "Pages":
			kids := v.Key("Kids")
			for i := 0; i < kids.Len(); i++ {
				walk(kids.Index(i), depth+1)
			}
		case "Page":
			pages = append(pages, v)
		}
	}
	walk(node, 0)
	return pages
}

// mediaBox resolves the page size, following /Parent for inherited entries.
func mediaBox(page pdf.Value) (llx, lly, w, h float64, err error) {
	node := page
	for i := 0; i < 32 && !node.IsNull(); i++ {
		if mb := node.Key("MediaBox"); !mb.IsNull() && mb.Len() == 4 {
			llx = fval(mb.Index(0))
			lly = fval(mb.Index(1))
			w = fval(mb.Index(2)) - llx
			h = fval(mb.Index(3)) - lly
			if w <= 0 || h <= 0 {
				return 0, 0, 0, 0, errors.New("stamp: degenerate MediaBox")
			}
			return llx, lly, w, h, nil
		}
		node = node.Key("Parent")
	}
	return 0, 0, 0, 0, errors.New("stamp: page has no MediaBox")
}

// writePageDict re-serializes the page dictionary, carrying every existing
// entry and appending the stamp annotation to /Annots.
func writePageDict(buf *bytes.Buffer, page pdf.Value, pageID, annotID uint32) {
	buf.WriteString("<<")
	for _, key := range page.Keys() {
		if key == "Annots" {
			continue
		}
		fmt.Fprintf(buf, " /%s ", key)
		writeValue(buf, page.Key(key), pageID)
	}
	buf.WriteString(" /Annots [")
	if annots := page.Key("Annots"); !annots.IsNull() {
		for i := 0; i < annots.Len(); i++ {
			writeValue(buf, annots.Index(i), pageID)
			buf.WriteByte(' ')
		}
	}
	fmt.Fprintf(buf, "%d 0 R] >>", annotID)
}

// writeInfoDict rebuilds the information dictionary, preserving entries this
// update does not own.
func writeInfoDict(buf *bytes.Buffer, info pdf.Value, s *Stamp, signedAt time.Time) {
	overridden := map[string]bool{
		"Title": true, "Subject": true, "Creator": true,
		"Producer": true, "Keywords": true, "ModDate": true,
	}
	buf.WriteString("<<")
	if !info.IsNull() {
		ownerID := info.GetPtr().GetID()
		for _, key := range info.Keys() {
			if overridden[key] {
				continue
			}
			fmt.Fprintf(buf, " /%s ", key)
			writeValue(buf, info.Key(key), ownerID)
		}
	}
	fmt.Fprintf(buf, " /Title %s", pdfTextString(s.summary()))
	fmt.Fprintf(buf, " /Subject %s", pdfTextString(s.summary()))
	buf.WriteString(" /Creator (docsuite esign)")
	buf.WriteString(" /Producer (docsuite esign)")
	buf.WriteString(" /Keywords (electronically signed)")
	fmt.Fprintf(buf, " /ModDate %s >>", pdfTextString(pdfDate(signedAt)))
}

// writeValue serializes v. Compound values that were parsed from another
// indirect object are written as references; values belonging to the object
// identified by ownerID are inlined.
func writeValue(buf *bytes.Buffer, v pdf.Value, ownerID uint32) {
	switch v.Kind() {
	case pdf.Null:
		buf.WriteString("null")
	case pdf.Bool:
		if v.Bool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case pdf.Integer:
		buf.WriteString(strconv.FormatInt(v.Int64(), 10))
	case pdf.Real:
		buf.WriteString(fnum(v.Float64()))
	case pdf.String:
		buf.WriteString(pdfTextString(v.RawString()))
	case pdf.Name:
		buf.WriteString("/" + v.Name())
	case pdf.Dict, pdf.Array, pdf.Stream:
		if ptr := v.GetPtr(); ptr.GetID() != 0 && ptr.GetID() != ownerID {
			fmt.Fprintf(buf, "%d %d R", ptr.GetID(), ptr.GetGen())
			return
		}
		if v.Kind() == pdf.Array {
			buf.WriteString("[")
			for i := 0; i < v.Len(); i++ {
				if i > 0 {
					buf.WriteByte(' ')
				}
				writeValue(buf, v.Index(i), ownerID)
			}
			buf.WriteString("]")
			return
		}
		buf.WriteString("<<")
		for _, key := range v.Keys() {
			fmt.Fprintf(buf, " /%s ", key)
			writeValue(buf, v.Key(key), ownerID)
		}
		buf.WriteString(" >>")
	}
}

// writeFileID carries the trailer /ID pair forward as hex strings. The pair
// is binary, so the text-string encoder does not apply.
func writeFileID(buf *bytes.Buffer, id pdf.Value) {
	if id.IsNull() || id.Len() != 2 {
		return
	}
	buf.WriteString("/ID [")
	for i := 0; i < 2; i++ {
		fmt.Fprintf(buf, "<%X>", []byte(id.Index(i).RawString()))
		if i == 0 {
			buf.WriteByte(' ')
		}
	}
	buf.WriteString("] ")
}

func fval(v pdf.Value) float64 {
	if v.Kind() == pdf.Integer {
		return float64(v.Int64())
	}
	return v.Float64()
}

// fnum formats a coordinate without trailing zero noise.
func fnum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
