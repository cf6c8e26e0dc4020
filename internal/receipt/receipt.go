// Package receipt validates receipt images before they are uploaded and
// renders the local preview shown next to the deposit form.
package receipt

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register gif
	"image/jpeg"
	_ "image/png" // register png
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
	"golang.org/x/image/draw"
)

const (
	// MaxSize is the largest receipt accepted, in bytes.
	MaxSize int64 = 5 * 1024 * 1024

	previewMaxEdge = 320
	previewQuality = 75
)

var (
	ErrInvalidType = errors.New("receipt: please select an image file (JPG, PNG, etc.)")
	ErrTooLarge    = errors.New("receipt: image size must be less than 5MB")
)

// File is a locally selected file with its declared type and size.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// Asset is a validated receipt. RemoteURL is set once the upload succeeds.
type Asset struct {
	File

	// Preview is a data URI for display only; it is never uploaded.
	Preview string
	Digest  [32]byte

	RemoteURL string
}

// Validate checks the declared type, then the size. The first failing rule wins.
func Validate(f File) (Asset, error) {
	ct := strings.ToLower(strings.TrimSpace(f.ContentType))
	if !strings.HasPrefix(ct, "image/") {
		return Asset{}, fmt.Errorf("%w: got %q", ErrInvalidType, f.ContentType)
	}
	size := f.Size
	if size <= 0 {
		size = int64(len(f.Data))
	}
	if size > MaxSize {
		return Asset{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	f.ContentType = ct
	f.Size = size
	f.Data = append([]byte(nil), f.Data...)
	if strings.TrimSpace(f.Name) == "" {
		f.Name = "receipt" + extensionFor(ct)
	}
	return Asset{
		File:    f,
		Preview: renderPreview(ct, f.Data),
		Digest:  sha3.Sum256(f.Data),
	}, nil
}

// Release drops the payload and preview held by the asset.
func (a *Asset) Release() {
	if a == nil {
		return
	}
	a.Data = nil
	a.Preview = ""
}

// DigestHex is the hex SHA3-256 of the receipt bytes.
func (a Asset) DigestHex() string {
	return fmt.Sprintf("%x", a.Digest[:])
}

// Open reads a file from disk. Content larger than MaxSize is not read; the
// declared size is still reported so Validate can reject it.
func Open(path string) (File, error) {
	st, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("receipt: stat %q: %w", path, err)
	}
	if st.IsDir() {
		return File{}, fmt.Errorf("receipt: %q is a directory", path)
	}

	f := File{
		Name:        filepath.Base(path),
		Size:        st.Size(),
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
	}
	if f.Size > MaxSize {
		return f, nil
	}

	fh, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("receipt: open %q: %w", path, err)
	}
	defer fh.Close()
	data, err := io.ReadAll(io.LimitReader(fh, MaxSize+1))
	if err != nil {
		return File{}, fmt.Errorf("receipt: read %q: %w", path, err)
	}
	f.Data = data
	if f.ContentType == "" {
		f.ContentType = http.DetectContentType(data)
	}
	if i := strings.Index(f.ContentType, ";"); i >= 0 {
		f.ContentType = strings.TrimSpace(f.ContentType[:i])
	}
	return f, nil
}

func renderPreview(contentType string, data []byte) string {
	if thumb, ok := thumbnail(data); ok {
		return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(thumb)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func thumbnail(data []byte) ([]byte, bool) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, false
	}
	if w > previewMaxEdge || h > previewMaxEdge {
		if w >= h {
			h = h * previewMaxEdge / w
			w = previewMaxEdge
		} else {
			w = w * previewMaxEdge / h
			h = previewMaxEdge
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: previewQuality}); err != nil {
		return nil, false
	}
	return out.Bytes(), true
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
