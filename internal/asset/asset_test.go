package asset_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prototypia/internal/asset"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, G: 30, B: 90, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newIngestor(t *testing.T) *asset.Ingestor {
	t.Helper()
	in, err := asset.New(1<<20, 64, 8)
	require.NoError(t, err)
	return in
}

func TestImageIsDownscaledToPNG(t *testing.T) {
	in := newIngestor(t)
	ref, err := in.Read(context.Background(), asset.KindSketch, "boceto.png", bytes.NewReader(pngBytes(t, 200, 100)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "data:image/png;base64,"))

	img, mime, err := asset.DecodeImage(ref)
	require.NoError(t, err)
	assert.Equal(t, asset.MimePNG, mime)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())
}

func TestJPEGStaysJPEG(t *testing.T) {
	in := newIngestor(t)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 10, 10)), nil))
	ref, err := in.Read(context.Background(), asset.KindScreenshot, "captura.jpg", &buf)
	require.NoError(t, err)
	mime, _, err := asset.Decode(ref)
	require.NoError(t, err)
	assert.Equal(t, asset.MimeJPEG, mime)
}

func TestUnreadableUploads(t *testing.T) {
	in, err := asset.New(16, 64, 8)
	require.NoError(t, err)
	cases := []struct {
		name string
		kind asset.Kind
		file string
		data []byte
		want error
	}{
		{"empty", asset.KindSketch, "a.png", nil, asset.ErrEmpty},
		{"too large", asset.KindModel, "a.stl", bytes.Repeat([]byte("x"), 17), asset.ErrTooLarge},
		{"not an image", asset.KindSketch, "a.png", []byte("hello"), asset.ErrUnsupported},
		{"wrong model extension", asset.KindModel, "a.obj", []byte("solid"), asset.ErrUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := in.Read(context.Background(), tc.kind, tc.file, bytes.NewReader(tc.data))
			assert.Empty(t, ref)
			var ioErr *asset.IOError
			require.True(t, errors.As(err, &ioErr), "want IOError, got %v", err)
			assert.Equal(t, tc.kind, ioErr.Kind)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCorruptImageIsIOError(t *testing.T) {
	in := newIngestor(t)
	data := pngBytes(t, 20, 20)
	_, err := in.Read(context.Background(), asset.KindSketch, "roto.png", bytes.NewReader(data[:len(data)/2]))
	var ioErr *asset.IOError
	require.ErrorAs(t, err, &ioErr)
}

func TestModelKeptVerbatim(t *testing.T) {
	in := newIngestor(t)
	stl := []byte("solid adapter\nendsolid adapter\n")
	ref, err := in.Read(context.Background(), asset.KindModel, "Adaptador.STL", bytes.NewReader(stl))
	require.NoError(t, err)
	mime, data, err := asset.Decode(ref)
	require.NoError(t, err)
	assert.Equal(t, asset.MimeModel, mime)
	assert.Equal(t, stl, data)

	again, err := in.Read(context.Background(), asset.KindModel, "copy.stl", bytes.NewReader(stl))
	require.NoError(t, err)
	assert.Equal(t, ref, again)
}

func TestCanceledContext(t *testing.T) {
	in := newIngestor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := in.Read(ctx, asset.KindModel, "a.stl", strings.NewReader("solid"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, ref := range []string{"", "http://x", "data:image/png,abc", "data:image/png;base64,@@"} {
		_, _, err := asset.Decode(ref)
		assert.Error(t, err, ref)
	}
}

func TestParseKind(t *testing.T) {
	k, err := asset.ParseKind(" Sketch ")
	require.NoError(t, err)
	assert.Equal(t, asset.KindSketch, k)
	_, err = asset.ParseKind("video")
	require.Error(t, err)
}
