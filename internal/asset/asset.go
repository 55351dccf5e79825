// Package asset turns user uploads into asset references: data URLs the
// attempt stores verbatim and the report embeds. Images are normalized to PNG
// or JPEG and downscaled; model files are kept byte for byte.
package asset

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"io"
	"path/filepath"
	"strings"

	_ "github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Kind string

const (
	KindSketch     Kind = "sketch"
	KindScreenshot Kind = "screenshot"
	KindModel      Kind = "model"
)

const (
	MimePNG   = "image/png"
	MimeJPEG  = "image/jpeg"
	MimeModel = "model/stl"

	jpegQuality = 85
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSketch, KindScreenshot, KindModel:
		return k, nil
	}
	return "", fmt.Errorf("unknown asset kind %q (want sketch, screenshot or model)", s)
}

// IOError is returned for any upload that cannot become an asset. The caller
// leaves the attempt field unset and the user may retry.
type IOError struct {
	Kind     Kind
	Filename string
	Err      error
}

func (e *IOError) Error() string {
	if e.Filename == "" {
		return fmt.Sprintf("read %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("read %s %s: %v", e.Kind, e.Filename, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

var (
	ErrEmpty       = errors.New("file is empty")
	ErrTooLarge    = errors.New("file is too large")
	ErrUnsupported = errors.New("unsupported file type")
)

// Ingestor reads uploads. Identical uploads of the same kind are served from
// an LRU cache keyed by content hash.
type Ingestor struct {
	MaxBytes int64
	MaxWidth int

	cache *lru.Cache[string, string]
}

func New(maxBytes int64, maxWidth, cacheSize int) (*Ingestor, error) {
	if maxBytes <= 0 || maxWidth <= 0 {
		return nil, fmt.Errorf("asset limits must be positive")
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("asset cache: %w", err)
	}
	return &Ingestor{MaxBytes: maxBytes, MaxWidth: maxWidth, cache: cache}, nil
}

// Read consumes r and returns the asset reference for it.
func (in *Ingestor) Read(ctx context.Context, kind Kind, filename string, r io.Reader) (string, error) {
	fail := func(err error) (string, error) {
		return "", &IOError{Kind: kind, Filename: filename, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	data, err := io.ReadAll(io.LimitReader(r, in.MaxBytes+1))
	if err != nil {
		return fail(err)
	}
	if len(data) == 0 {
		return fail(ErrEmpty)
	}
	if int64(len(data)) > in.MaxBytes {
		return fail(fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, in.MaxBytes))
	}

	sum := sha256.Sum256(data)
	key := string(kind) + ":" + hex.EncodeToString(sum[:])
	if ref, ok := in.cache.Get(key); ok {
		return ref, nil
	}

	var ref string
	switch kind {
	case KindSketch, KindScreenshot:
		ref, err = in.image(data)
	case KindModel:
		ref, err = model(filename, data)
	default:
		err = fmt.Errorf("%w: kind %q", ErrUnsupported, kind)
	}
	if err != nil {
		return fail(err)
	}
	in.cache.Add(key, ref)
	return ref, nil
}

func (in *Ingestor) image(data []byte) (string, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%w: %s is not an image", ErrUnsupported, mt.String())
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnsupported, mt.String(), err)
	}
	if img.Bounds().Dx() > in.MaxWidth {
		img = imaging.Resize(img, in.MaxWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	out := MimePNG
	if mt.Is(MimeJPEG) {
		out = MimeJPEG
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
	} else {
		err = imaging.Encode(&buf, img, imaging.PNG)
	}
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", out, err)
	}
	return Encode(out, buf.Bytes()), nil
}

// model accepts any .stl file; the content is never inspected.
func model(filename string, data []byte) (string, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".stl") {
		return "", fmt.Errorf("%w: model files must be .stl", ErrUnsupported)
	}
	return Encode(MimeModel, data), nil
}

// Encode builds a base64 data URL.
func Encode(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Decode splits a data URL produced by Encode.
func Decode(ref string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return "", nil, fmt.Errorf("asset reference is not a data URL")
	}
	head, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("asset reference has no payload")
	}
	mime, isBase64 := strings.CutSuffix(head, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("asset reference is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode asset payload: %w", err)
	}
	return mime, data, nil
}

// DecodeImage decodes an image asset reference.
func DecodeImage(ref string) (image.Image, string, error) {
	mime, data, err := Decode(ref)
	if err != nil {
		return nil, "", err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", mime, err)
	}
	return img, mime, nil
}
