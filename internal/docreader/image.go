package docreader

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/idproof/internal/types"
)

// MaxUploadBytes caps uploaded document photos.
const MaxUploadBytes = 32 << 20

// LoadImage decodes an uploaded photo (jpeg, png, gif, bmp, tiff, webp).
func LoadImage(r io.Reader) (image.Image, string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxUploadBytes {
		return nil, "", fmt.Errorf("image larger than %d bytes", MaxUploadBytes)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// ScanFile is the upload path for a photo on disk.
func (r *Reader) ScanFile(path string) (types.DecodedCode, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.DecodedCode{}, err
	}
	defer f.Close()

	img, _, err := LoadImage(f)
	if err != nil {
		return types.DecodedCode{}, err
	}
	return r.ScanImage(img)
}
