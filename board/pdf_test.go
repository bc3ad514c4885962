package board

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestExportPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.pdf")

	elements := []*Element{
		{Id: "r", Type: ElementRectangle, X: 10, Y: 10, Width: 100, Height: 50, StrokeWidth: 2},
		{Id: "e", Type: ElementEllipse, X: 150, Y: 10, Width: 60, Height: 60, StrokeWidth: 2},
		{Id: "l", Type: ElementLine, X: 10, Y: 100, Width: 80, Height: 0, StrokeWidth: 2,
			Points: []Point{{X: 0, Y: 0}, {X: 80, Y: 0}}},
		{Id: "t", Type: ElementText, X: 10, Y: 150, Width: 60, Height: 20, Text: "hello"},
		{Id: "gone", Type: ElementRectangle, X: 0, Y: 0, Width: 10, Height: 10, IsDeleted: true},
	}

	assert.Equal(t, nil, ExportPDF(path, elements))

	data, err := os.ReadFile(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, bytes.HasPrefix(data, []byte("%PDF")))
	assert.Equal(t, true, 500 < len(data))
}
