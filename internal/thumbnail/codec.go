// Package thumbnail turns original image bytes into resized thumbnail bytes.
// It is a pure transform: no I/O, no shared state.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"

	"thumbsvc/internal/config"
)

const jpegQuality = 90

// Codec holds the target geometry and resize mode, fixed at startup.
type Codec struct {
	Width  int
	Height int
	Mode   config.ResizeMode
}

// Result is an encoded thumbnail.
type Result struct {
	Data        []byte
	ContentType string
	Ext         string
}

// NewCodec constructs a Codec from the configured thumbnail settings.
func NewCodec(cfg *config.Config) *Codec {
	return &Codec{Width: cfg.ThumbWidth, Height: cfg.ThumbHeight, Mode: cfg.ThumbMode}
}

// Render decodes the input, resizes it per the configured mode and re-encodes
// it. JPEG input stays JPEG at quality 90; everything else is written as PNG
// at best compression, so lossless content never picks up lossy artifacts.
func (c *Codec) Render(data []byte) (*Result, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var resized image.Image
	switch c.Mode {
	case config.ModeFit:
		// Fit never upscales; images already inside the bounds pass through.
		resized = imaging.Fit(src, c.Width, c.Height, imaging.Lanczos)
	default:
		resized = imaging.Fill(src, c.Width, c.Height, imaging.Center, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return &Result{Data: buf.Bytes(), ContentType: "image/jpeg", Ext: "jpg"}, nil
	}
	encoder := png.Encoder{CompressionLevel: png.BestCompression}
	if err := encoder.Encode(&buf, resized); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return &Result{Data: buf.Bytes(), ContentType: "image/png", Ext: "png"}, nil
}
