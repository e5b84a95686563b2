// Package optimize turns uploaded images into bounded, web ready buffers.
package optimize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is returned for payloads that are empty, do not carry an
// image signature, or cannot be decoded.
var ErrInvalidImage = errors.New("invalid image")

// Outcome records which path produced a Result.
type Outcome int

const (
	// Optimized means the profile was applied.
	Optimized Outcome = iota + 1
	// FallbackOriginal means the transform failed part way and the input
	// bytes were returned unmodified.
	FallbackOriginal
)

func (o Outcome) String() string {
	switch o {
	case Optimized:
		return "optimized"
	case FallbackOriginal:
		return "fallback-original"
	default:
		return "none"
	}
}

// Info describes a validated image payload.
type Info struct {
	Format      string
	ContentType string
	Width       int
	Height      int
}

// Result is the output of Optimize.
type Result struct {
	Data        []byte
	Outcome     Outcome
	Format      string
	ContentType string
	Width       int
	Height      int
}

// Validate checks the signature of data and decodes its header. It never
// decodes pixel data.
func Validate(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Info{}, fmt.Errorf("%w: signature is %s", ErrInvalidImage, mt.String())
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: zero dimensions", ErrInvalidImage)
	}

	return Info{
		Format:      format,
		ContentType: mt.String(),
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

// Optimize applies p to data. Invalid input yields ErrInvalidImage. Any
// other failure, including a panic inside a codec, returns the original
// bytes with Outcome FallbackOriginal and no error.
func Optimize(data []byte, p Profile) (Result, error) {
	info, err := Validate(data)
	if err != nil {
		return Result{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	res, err := transform(img, info.Format, p)
	if err != nil {
		slog.Warn("Image optimization failed, keeping original", "profile", p.Name, "format", info.Format, "err", err)
		return Result{
			Data:        data,
			Outcome:     FallbackOriginal,
			Format:      info.Format,
			ContentType: info.ContentType,
			Width:       info.Width,
			Height:      info.Height,
		}, nil
	}

	slog.Debug("Optimized image",
		"profile", p.Name,
		"src_bytes", len(data),
		"dst_bytes", len(res.Data),
		"width", res.Width,
		"height", res.Height,
	)
	return res, nil
}

// transform runs the resize and encode steps. Panics are turned into
// errors so the caller can fall back.
func transform(img image.Image, srcFormat string, p Profile) (res Result, err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("panic during transform: %v", rvr)
		}
	}()

	if p.MaxWidth <= 0 || p.MaxHeight <= 0 {
		return Result{}, fmt.Errorf("profile %q has no bounds", p.Name)
	}
	if p.Quality < 1 || p.Quality > 100 {
		return Result{}, fmt.Errorf("profile %q quality %d out of range", p.Name, p.Quality)
	}

	keepAlpha := p.KeepAlpha && srcFormat == "png" && !isOpaque(img)
	if !keepAlpha {
		img = flatten(img)
	}

	img = fit(img, p.MaxWidth, p.MaxHeight, p.ResizeBelow)

	if p.Layout == Letterbox {
		canvas := imaging.New(p.MaxWidth, p.MaxHeight, color.White)
		img = imaging.PasteCenter(canvas, img)
	}

	var buf bytes.Buffer
	if keepAlpha {
		if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
			return Result{}, fmt.Errorf("encode png: %w", err)
		}
		res.Format, res.ContentType = "png", "image/png"
	} else {
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.Quality)); err != nil {
			return Result{}, fmt.Errorf("encode jpeg: %w", err)
		}
		res.Format, res.ContentType = "jpeg", "image/jpeg"
	}

	b := img.Bounds()
	res.Data = buf.Bytes()
	res.Outcome = Optimized
	res.Width = b.Dx()
	res.Height = b.Dy()
	return res, nil
}

// fit scales img uniformly to fit inside maxW x maxH when the scale factor
// is below threshold (1 when zero). It never upscales, so an image kept
// because of the threshold may exceed the bounds.
func fit(img image.Image, maxW, maxH int, threshold float64) image.Image {
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	if scale >= threshold {
		return img
	}

	nw := min(maxW, max(1, int(math.Round(float64(w)*scale))))
	nh := min(maxH, max(1, int(math.Round(float64(h)*scale))))
	return imaging.Resize(img, nw, nh, imaging.Lanczos)
}

// flatten composites images with transparency onto white. Opaque images
// are returned as they are.
func flatten(img image.Image) image.Image {
	if isOpaque(img) {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	// YCbCr, Gray and CMYK have no alpha channel.
	switch img.(type) {
	case *image.YCbCr, *image.Gray, *image.Gray16, *image.CMYK:
		return true
	}
	return false
}
