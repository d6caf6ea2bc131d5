// Package stamp renders a visible signature block onto a page of an existing
// PDF and records the signing event in the document information dictionary.
// The stamp is appended as an incremental update, so the original bytes and
// page count are preserved.
//
// The stamp is strictly cosmetic: no cryptographic signature is embedded in
// the document. Callers relying on PAdES-style verification must not treat a
// stamped document as cryptographically signed.
package stamp

import (
	"bytes"
	"fmt"
	"time"
)

// Default placement, in PDF points. When no explicit placement is given the
// stamp is anchored to the bottom-right corner of the last page.
const (
	DefaultWidth  = 190.0
	DefaultHeight = 64.0
	DefaultMargin = 24.0
)

// Placement positions the stamp on a page. X and Y are measured in points
// from the top-left corner of the page; the stamper converts to the PDF's
// bottom-up coordinate space using the page height.
type Placement struct {
	// PageIndex is the zero-based target page. Negative selects the last page.
	PageIndex int
	X         float64
	Y         float64
	Width     float64
	Height    float64
}

// Stamp describes one visible signature block.
type Stamp struct {
	SignerName   string
	Organization string
	Reason       string
	Location     string
	ContactInfo  string
	SignedAt     time.Time

	// Placement is optional; nil selects the default bottom-right
	// placement on the last page.
	Placement *Placement
}

// textLines returns the lines drawn inside the stamp rectangle, title first.
func (s *Stamp) textLines() []string {
	lines := []string{"Electronically signed"}

	if s.SignerName != "" {
		lines = append(lines, s.SignerName)
	}
	if s.Organization != "" {
		lines = append(lines, s.Organization)
	}
	if s.Reason != "" {
		lines = append(lines, fmt.Sprintf("Reason: %s", s.Reason))
	}
	if s.Location != "" {
		lines = append(lines, fmt.Sprintf("Location: %s", s.Location))
	}
	lines = append(lines, fmt.Sprintf("Date: %s", s.SignedAt.Format("2006-01-02 15:04:05 MST")))

	return lines
}

// appearanceContent builds the content stream for the appearance form
// XObject. The stream is left uncompressed; stamps are small and this keeps
// the appearance inspectable.
func (s *Stamp) appearanceContent(width, height float64) []byte {
	lines := s.textLines()

	// Fit the lines into the box height. The title line is slightly larger.
	fontSize := 8.0
	leading := fontSize * 1.25
	if needed := leading*float64(len(lines)) + 8; needed > height {
		fontSize = (height - 8) / (1.25 * float64(len(lines)))
		if fontSize < 4 {
			fontSize = 4
		}
		leading = fontSize * 1.25
	}
	titleSize := fontSize * 1.15

	var buf bytes.Buffer
	buf.WriteString("q\n")
	buf.WriteString("0.15 0.24 0.46 RG\n")
	buf.WriteString("1 w\n")
	// Inset by half the line width so the border is not clipped by the BBox.
	fmt.Fprintf(&buf, "0.5 0.5 %.2f %.2f re S\n", width-1, height-1)
	buf.WriteString("0.1 0.1 0.1 rg\n")
	buf.WriteString("BT\n")
	fmt.Fprintf(&buf, "/F1 %.2f Tf\n", titleSize)
	fmt.Fprintf(&buf, "%.2f %.2f Td\n", 6.0, height-4-titleSize)
	fmt.Fprintf(&buf, "%s Tj\n", pdfTextString(lines[0]))
	fmt.Fprintf(&buf, "/F1 %.2f Tf\n", fontSize)
	for _, line := range lines[1:] {
		fmt.Fprintf(&buf, "0 %.2f Td\n", -leading)
		fmt.Fprintf(&buf, "%s Tj\n", pdfTextString(line))
	}
	buf.WriteString("ET\n")
	buf.WriteString("Q\n")

	return buf.Bytes()
}

// summary is used for the annotation /Contents entry and the document
// information subject.
func (s *Stamp) summary() string {
	out := "Electronically signed"
	if s.SignerName != "" {
		out += " by " + s.SignerName
	}
	if s.Reason != "" {
		out += ": " + s.Reason
	}
	return out
}

// resolvedSignedAt falls back to the current time when the caller left
// SignedAt zero.
func (s *Stamp) resolvedSignedAt() time.Time {
	if s.SignedAt.IsZero() {
		return time.Now()
	}
	return s.SignedAt
}
