// Package media normalizes the images carried in a lesson's metadata bag so
// stored thumbnails have bounded dimensions and a predictable encoding.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/types"
)

// Thumbnail defaults.
const (
	DefaultMaxWidth  = 480
	DefaultMaxHeight = 270
	DefaultQuality   = 80
)

// Normalizer shrinks thumbnails that exceed the configured bounds and
// re-encodes them as JPEG, or PNG when the image has transparency.
type Normalizer struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
	Filter    imaging.ResampleFilter

	log logrus.FieldLogger
}

// NewNormalizer creates a Normalizer with the default bounds.
func NewNormalizer(log logrus.FieldLogger) *Normalizer {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Normalizer{
		MaxWidth:  DefaultMaxWidth,
		MaxHeight: DefaultMaxHeight,
		Quality:   DefaultQuality,
		Filter:    imaging.Lanczos,
		log:       log.WithField("component", "media"),
	}
}

// Normalize returns data resized to fit the bounds. Input that is not an
// image is returned unchanged.
func (n *Normalizer) Normalize(data []byte) ([]byte, error) {
	if !filetype.IsImage(data) {
		return data, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode thumbnail: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > n.MaxWidth || b.Dy() > n.MaxHeight {
		img = imaging.Fit(img, n.MaxWidth, n.MaxHeight, n.Filter)
	}

	var buf bytes.Buffer
	if hasTransparency(img) {
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	} else {
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.Quality))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	return buf.Bytes(), nil
}

// NormalizeMetadata rewrites every thumbnail in meta in place. A thumbnail
// that fails to normalize is kept as supplied.
func (n *Normalizer) NormalizeMetadata(lessonID string, meta *types.LessonMetadata) {
	for name, data := range meta.Thumbnails {
		out, err := n.Normalize(data)
		if err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"lesson_id": lessonID,
				"thumbnail": name,
			}).Warn("keeping thumbnail as supplied")
			continue
		}
		meta.Thumbnails[name] = out
	}
}

func hasTransparency(img image.Image) bool {
	// imaging returns *image.NRGBA for everything it touches; other types
	// come straight from the decoder.
	switch im := img.(type) {
	case *image.NRGBA:
		for i := 3; i < len(im.Pix); i += 4 {
			if im.Pix[i] != 0xff {
				return true
			}
		}
		return false
	case *image.RGBA:
		for i := 3; i < len(im.Pix); i += 4 {
			if im.Pix[i] != 0xff {
				return true
			}
		}
		return false
	case *image.YCbCr, *image.Gray:
		return false
	default:
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
					return true
				}
			}
		}
		return false
	}
}
