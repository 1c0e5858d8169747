package parser

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
)

const defaultThumbnailQuality = 75

// encodeThumbnail は必要に応じて縮小した画像を JPEG にエンコードします。
func encodeThumbnail(img image.Image, opts ThumbnailOptions) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("image is nil")
	}

	src := img
	bounds := img.Bounds()
	if opts.MaxWidth > 0 && bounds.Dx() > opts.MaxWidth {
		height := bounds.Dy() * opts.MaxWidth / bounds.Dx()
		if height < 1 {
			height = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, opts.MaxWidth, height))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
		src = dst
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultThumbnailQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
