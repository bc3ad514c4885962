package board

import (
	"github.com/jung-kurt/gofpdf"
)

// canvas px to mm on an A4 page
const pdfScale = 3

// ExportPDF writes the committed elements to a PDF file. Rendering is
// approximate: outlines only, no roughness or fill patterns.
func ExportPDF(path string, elements []*Element) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetDrawColor(30, 30, 30)
	pdf.SetFont("Helvetica", "", 10)

	for _, element := range elements {
		if element.IsDeleted {
			continue
		}
		pdf.SetLineWidth(element.StrokeWidth / pdfScale)

		minX, minY, maxX, maxY := element.Bounds()
		x := minX / pdfScale
		y := minY / pdfScale
		w := (maxX - minX) / pdfScale
		h := (maxY - minY) / pdfScale

		switch element.Type {
		case ElementRectangle, ElementImage:
			pdf.Rect(x, y, w, h, "D")
		case ElementEllipse:
			pdf.Ellipse(x+w/2, y+h/2, w/2, h/2, 0, "D")
		case ElementDiamond:
			pdf.Polygon([]gofpdf.PointType{
				{X: x + w/2, Y: y},
				{X: x + w, Y: y + h/2},
				{X: x + w/2, Y: y + h},
				{X: x, Y: y + h/2},
			}, "D")
		case ElementArrow, ElementLine, ElementFreedraw:
			points := element.Points
			if len(points) < 2 {
				pdf.Line(
					element.X/pdfScale,
					element.Y/pdfScale,
					(element.X+element.Width)/pdfScale,
					(element.Y+element.Height)/pdfScale,
				)
				continue
			}
			for i := 1; i < len(points); i += 1 {
				pdf.Line(
					(element.X+points[i-1].X)/pdfScale,
					(element.Y+points[i-1].Y)/pdfScale,
					(element.X+points[i].X)/pdfScale,
					(element.Y+points[i].Y)/pdfScale,
				)
			}
		case ElementText:
			pdf.Text(x, y+h, element.Text)
		}
	}
	return pdf.OutputFileAndClose(path)
}
