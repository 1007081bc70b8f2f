package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Orbit Plot</title>
</head>
<body>
  <h1>Orbits</h1>
  <h2>Setup</h2>
  <script type="application/x-stoker" data-cell="setup" data-language="javascript">
    const g = 9.81;
  </script>
  <h2>Render</h2>
  <script type="application/x-stoker" data-language="javascript">
    plot(g);
  </script>
  <script type="text/javascript">
    // plain page script, not a cell
    console.log("ignored");
  </script>
  <div data-widget-ref="w-orbit" data-widget-kind="chart"></div>
</body>
</html>`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(samplePage))
	require.NoError(t, err)

	assert.Equal(t, "Orbit Plot", doc.Title)
	assert.ElementsMatch(t, []string{"Orbits", "Setup", "Render"}, doc.Headings)

	require.Len(t, doc.Cells, 2)
	assert.Equal(t, "setup", doc.Cells[0].ID)
	assert.Equal(t, "javascript", doc.Cells[0].Language)
	assert.Contains(t, doc.Cells[0].Code, "const g = 9.81;")

	// Missing data-cell falls back to an ordinal ID
	assert.Equal(t, "cell-2", doc.Cells[1].ID)

	require.Len(t, doc.Widgets, 1)
	assert.Equal(t, "w-orbit", doc.Widgets[0].Ref)
	assert.Equal(t, "chart", doc.Widgets[0].Kind)
}

func TestParseCellOrder(t *testing.T) {
	page := `<html><body>
<script type="application/x-stoker" data-cell="a">1</script>
<script type="application/x-stoker" data-cell="b">2</script>
<script type="application/x-stoker" data-cell="c">3</script>
</body></html>`

	doc, err := Parse([]byte(page))
	require.NoError(t, err)

	require.Len(t, doc.Cells, 3)
	assert.Equal(t, "a", doc.Cells[0].ID)
	assert.Equal(t, "b", doc.Cells[1].ID)
	assert.Equal(t, "c", doc.Cells[2].ID)
}

func TestParseNoCells(t *testing.T) {
	// A page without cells is still a valid document
	doc, err := Parse([]byte(`<html><head><title>Static</title></head><body><p>hi</p></body></html>`))
	require.NoError(t, err)

	assert.Equal(t, "Static", doc.Title)
	assert.Empty(t, doc.Cells)
	assert.Empty(t, doc.Widgets)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)
}

func TestParseRejectsOversized(t *testing.T) {
	big := make([]byte, MaxDocumentSize+1)
	_, err := Parse(big)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(path, []byte(samplePage), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, doc.Path)
	assert.Equal(t, "Orbit Plot", doc.Title)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.html"))
	assert.Error(t, err)
}

func TestDetectCharset(t *testing.T) {
	// Exact charset name depends on the detector; it must always return
	// something usable
	assert.NotEmpty(t, DetectCharset([]byte(samplePage)))
	assert.Equal(t, "utf-8", DetectCharset(nil))
}
