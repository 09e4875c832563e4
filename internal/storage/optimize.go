package storage

import (
	"bytes"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Optimizer compresses media buffers before upload. Compression is strictly
// best-effort: any failure, or a result that is not smaller than the input,
// falls back to the original buffer with wasOptimized=false. An upload never
// fails because of the optimization step.
type Optimizer struct {
	level int
}

// NewOptimizer creates an optimizer with the default compression level.
func NewOptimizer() *Optimizer {
	return &Optimizer{level: gzip.BestCompression}
}

// Eligible reports whether a content type goes through the optimization pass.
func (o *Optimizer) Eligible(contentType string) bool {
	return strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "audio/")
}

// Optimize returns the optimized buffer and whether optimization was applied.
func (o *Optimizer) Optimize(data []byte, contentType string) ([]byte, bool) {
	if len(data) == 0 || !o.Eligible(contentType) {
		return data, false
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, o.level)
	if err != nil {
		return data, false
	}
	if _, err := w.Write(data); err != nil {
		return data, false
	}
	if err := w.Close(); err != nil {
		return data, false
	}

	// Already-compressed media (JPEG, MP3) usually does not shrink.
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}
