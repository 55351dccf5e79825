// Package report renders the PDF handed to the student after a mission.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/go-pdf/fpdf"
	"golang.org/x/text/message"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"prototypia/internal/asset"
	"prototypia/internal/domain"
	"prototypia/internal/i18n"
)

var ErrNoResult = errors.New("attempt has no result")

// RenderError wraps any failure to produce the document. The attempt and the
// recorded progress are unaffected by it.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return "render report: " + e.Err.Error() }
func (e *RenderError) Unwrap() error { return e.Err }

type Options struct {
	Locale string
	Now    time.Time
}

type rgb struct{ r, g, b int }

var (
	darkBlue   = rgb{23, 37, 84}
	cyan       = rgb{0, 178, 204}
	darkCyan   = rgb{0, 128, 153}
	darkGray   = rgb{45, 55, 72}
	mediumGray = rgb{74, 85, 104}
	gray       = rgb{100, 116, 139}
)

const (
	pageW    = 210.0
	margin   = 20.0
	contentW = pageW - 2*margin
	lineH    = 6.0
)

type page struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
	p   *message.Printer
	n   int
}

func (pg *page) color(c rgb) { pg.pdf.SetTextColor(c.r, c.g, c.b) }

func (pg *page) centered(style string, size float64, c rgb, text string, h float64) {
	pg.pdf.SetFont("Helvetica", style, size)
	pg.color(c)
	pg.pdf.CellFormat(contentW, h, pg.tr(text), "", 1, "C", false, 0, "")
}

func (pg *page) section(key string) {
	pg.pdf.Ln(4)
	pg.pdf.SetFont("Helvetica", "B", 14)
	pg.color(darkCyan)
	pg.pdf.CellFormat(contentW, 8, pg.tr(pg.p.Sprintf(key)), "", 1, "L", false, 0, "")
}

func (pg *page) body(style, text string) {
	pg.pdf.SetFont("Helvetica", style, 11)
	pg.color(mediumGray)
	pg.pdf.MultiCell(contentW, lineH, pg.tr(text), "", "L", false)
}

func (pg *page) room(needed float64) {
	_, pageH := pg.pdf.GetPageSize()
	_, _, _, bottom := pg.pdf.GetMargins()
	if pg.pdf.GetY()+needed > pageH-bottom {
		pg.pdf.AddPage()
	}
}

// image embeds an image asset scaled to boxW, keeping the aspect ratio. A
// reference that does not decode is replaced by the fallback line.
func (pg *page) image(ref string, boxW, boxH float64, fallbackKey string) {
	pg.room(boxH + lineH)
	img, mime, err := asset.DecodeImage(ref)
	if err != nil {
		pg.body("", pg.p.Sprintf(fallbackKey))
		return
	}
	_, data, _ := asset.Decode(ref)
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	if mime == asset.MimeJPEG {
		opts.ImageType = "JPG"
	}
	pg.n++
	name := fmt.Sprintf("img%d", pg.n)
	pg.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	if !pg.pdf.Ok() {
		pg.pdf.ClearError()
		pg.body("", pg.p.Sprintf(fallbackKey))
		return
	}
	b := img.Bounds()
	w, h := boxW, boxW*float64(b.Dy())/float64(b.Dx())
	if h > boxH {
		w, h = boxH*float64(b.Dx())/float64(b.Dy()), boxH
	}
	y := pg.pdf.GetY() + 2
	pg.pdf.ImageOptions(name, margin, y, w, h, false, opts, 0, "")
	pg.pdf.SetY(y + h + 4)
}

// Render produces the project report for an analyzed attempt.
func Render(profile domain.UserProfile, mission domain.MissionDefinition, attempt domain.MissionAttempt, opts Options) ([]byte, error) {
	if attempt.Result == nil {
		return nil, &RenderError{Err: ErrNoResult}
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	p := i18n.Printer(opts.Locale)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, 30)
	pdf.SetTitle(p.Sprintf("report.title")+" - "+mission.Title, true)
	pdf.SetAuthor(profile.Username, true)
	pdf.SetCreationDate(opts.Now)
	pg := &page{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor(""), p: p}

	pdf.SetFooterFunc(func() {
		pdf.SetY(-25)
		pdf.SetLineWidth(0.5)
		pdf.Line(margin, pdf.GetY(), pageW-margin, pdf.GetY())
		pdf.SetY(-22)
		pdf.SetFont("Helvetica", "I", 10)
		pg.color(gray)
		pdf.MultiCell(contentW, 5, pg.tr(p.Sprintf("report.footer")), "", "C", false)
	})
	pdf.AddPage()

	pg.centered("B", 24, darkBlue, p.Sprintf("report.university"), 10)
	pg.centered("B", 16, cyan, p.Sprintf("report.program"), 8)
	pg.centered("", 12, darkGray, p.Sprintf("report.workshop"), 7)
	pg.centered("", 10, gray, i18n.Date(p, opts.Now), 6)
	pdf.SetLineWidth(0.5)
	pdf.Line(margin, pdf.GetY()+2, pageW-margin, pdf.GetY()+2)
	pdf.Ln(6)

	pg.section("report.student")
	pg.body("", strings.Join([]string{
		p.Sprintf("report.name", profile.Username),
		p.Sprintf("report.email", profile.Email),
		p.Sprintf("report.major", profile.Major),
		p.Sprintf("report.course", profile.Course),
	}, "\n"))
	pdf.Ln(6)

	pg.centered("B", 18, darkGray, p.Sprintf("report.title"), 9)
	pg.centered("B", 16, darkGray, mission.Title, 8)
	pdf.SetLineWidth(0.2)
	pdf.Line(margin, pdf.GetY()+1, pageW-margin, pdf.GetY()+1)
	pdf.Ln(4)

	id := attempt.Ideation
	pg.section("report.ideation")
	for _, qa := range [][2]string{
		{"report.ideation.user", id.UserAnalysis},
		{"report.ideation.context", id.ContextAnalysis},
		{"report.ideation.idea", id.IdeaDescription},
	} {
		pg.room(3 * lineH)
		pg.body("B", p.Sprintf(qa[0]))
		pg.body("", qa[1])
		pdf.Ln(2)
	}
	if id.Sketch != nil {
		pg.room(70)
		pg.section("report.sketch")
		pg.image(*id.Sketch, 80, 60, "report.sketch_missing")
	}

	params := attempt.Parameters
	supports := p.Sprintf("report.no")
	if params.Supports {
		supports = p.Sprintf("report.yes")
	}
	pg.room(50)
	pg.section("report.parameters")
	pg.body("", strings.Join([]string{
		p.Sprintf("report.param.material", params.Material),
		p.Sprintf("report.param.layer_height", params.LayerHeight),
		p.Sprintf("report.param.infill", params.Infill),
		p.Sprintf("report.param.print_speed", params.PrintSpeed),
		p.Sprintf("report.param.supports", supports),
		p.Sprintf("report.param.bed_adhesion", params.BedAdhesion),
	}, "\n"))

	if attempt.SlicingScreenshot != nil {
		pg.room(85)
		pg.section("report.slicing")
		pg.image(*attempt.SlicingScreenshot, 100, 75, "report.slicing_missing")
	}

	pg.room(40)
	pg.section("report.result")
	verdict := "report.result.failure"
	if attempt.Result.PrintSuccessful {
		verdict = "report.result.success"
	}
	pg.body("", p.Sprintf(verdict))

	pg.section("report.points")
	pdf.SetFont("Helvetica", "B", 16)
	pg.color(cyan)
	pdf.CellFormat(contentW, 9, p.Sprintf("report.points.value", attempt.Result.Score), "", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, &RenderError{Err: err}
	}
	return buf.Bytes(), nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Filename is the download name of a report. Accents are folded and anything
// else outside [A-Za-z0-9_-] becomes an underscore.
func Filename(missionID, username string) string {
	return fmt.Sprintf("Reporte_Proyecto_%s_%s.pdf", safe(missionID), safe(username))
}

func safe(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		folded = s
	}
	return strings.Trim(unsafeName.ReplaceAllString(folded, "_"), "_")
}
