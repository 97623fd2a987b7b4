package provision

import (
	"archive/zip"
	"bytes"
	"fmt"
	"time"
)

// zipBootstrap packages the handler binary as the executable "bootstrap" file
// the provided.al2023 runtime starts.
func zipBootstrap(binary []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	hdr := &zip.FileHeader{
		Name:     "bootstrap",
		Method:   zip.Deflate,
		Modified: time.Unix(0, 0).UTC(),
	}
	hdr.SetMode(0o755)
	f, err := w.CreateHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("create bootstrap entry: %w", err)
	}
	if _, err := f.Write(binary); err != nil {
		return nil, fmt.Errorf("write bootstrap entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}
