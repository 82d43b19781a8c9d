package pdfdoc

import (
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// ErrNotPDF is returned for inputs whose magic bytes are not a PDF.
var ErrNotPDF = errors.New("not a pdf document")

// Detect checks the actual file type using magic bytes, not the filename.
func Detect(path string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to detect file type: %w", err)
	}
	log.Debug().Str("mime", mtype.String()).Str("ext", mtype.Extension()).Str("file", path).Msg("detected file type")
	if !mtype.Is("application/pdf") {
		return mtype.String(), fmt.Errorf("%w: %s", ErrNotPDF, mtype.String())
	}
	return mtype.String(), nil
}
