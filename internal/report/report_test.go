package report_test

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prototypia/internal/asset"
	"prototypia/internal/catalog"
	"prototypia/internal/domain"
	"prototypia/internal/report"
)

var profile = domain.UserProfile{
	Username: "José Pérez",
	Email:    "jose@example.edu",
	Major:    "Ingeniería Biomédica",
	Course:   "Taller de innovación",
}

func pngRef(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 30))))
	return asset.Encode(asset.MimePNG, buf.Bytes())
}

func attempt(t *testing.T, success bool) domain.MissionAttempt {
	sketch := pngRef(t)
	shot := pngRef(t)
	a := domain.MissionAttempt{
		MissionID: "m01",
		Ideation: domain.Ideation{
			UserAnalysis:    "Personas con artritis que no pueden sujetar cubiertos delgados.",
			ContextAnalysis: "En casa y en comedores de hospitales.",
			IdeaDescription: "Un mango grueso con ranura para el cubierto.",
			Sketch:          &sketch,
		},
		Parameters: domain.PrintParameters{
			Material: "PLA", LayerHeight: 0.18, Infill: 20, PrintSpeed: 55, BedAdhesion: domain.BedAdhesionSkirt,
		},
		SlicingConfirmed:  true,
		SlicingScreenshot: &shot,
		Result:            &domain.AttemptResult{PrintSuccessful: success, Score: 200},
	}
	if !success {
		a.Result.Score = 0
	}
	return a
}

func TestRenderProducesPDF(t *testing.T) {
	mission, err := catalog.Default().Mission("m01")
	require.NoError(t, err)
	for _, locale := range []string{"es", "en"} {
		out, err := report.Render(profile, mission, attempt(t, true), report.Options{
			Locale: locale,
			Now:    time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err, locale)
		assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")), locale)
		assert.Greater(t, len(out), 1000, locale)
	}
}

func TestRenderToleratesBrokenImage(t *testing.T) {
	mission, err := catalog.Default().Mission("m01")
	require.NoError(t, err)
	a := attempt(t, false)
	broken := asset.Encode(asset.MimePNG, []byte("definitely not a png"))
	a.Ideation.Sketch = &broken
	notURL := "garbage"
	a.SlicingScreenshot = &notURL

	out, err := report.Render(profile, mission, a, report.Options{})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestRenderWithoutResult(t *testing.T) {
	mission, err := catalog.Default().Mission("m01")
	require.NoError(t, err)
	a := attempt(t, true)
	a.Result = nil
	_, err = report.Render(profile, mission, a, report.Options{})
	var renderErr *report.RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.ErrorIs(t, err, report.ErrNoResult)
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "Reporte_Proyecto_m01_Jose_Perez.pdf", report.Filename("m01", "José Pérez"))
	assert.Equal(t, "Reporte_Proyecto_m02_ana.pdf", report.Filename("m02", "ana"))
	assert.Equal(t, "Reporte_Proyecto_m03_a_b.pdf", report.Filename("m03", "a/../b"))
}
