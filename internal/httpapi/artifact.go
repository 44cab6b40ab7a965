package httpapi

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"

	"recordroute/internal/storagelayout"
)

// encodeOpaque turns an absolute artifact path into the opaque identifier
// GET /download/<opaque> expects, by base64url-encoding its path relative
// to the data root. Keeping the root out of the wire value avoids leaking
// the server's filesystem layout to clients.
func encodeOpaque(layout *storagelayout.Layout, absPath string) string {
	rel, err := filepath.Rel(layout.Root(), absPath)
	if err != nil {
		rel = absPath
	}
	return base64.RawURLEncoding.EncodeToString([]byte(filepath.ToSlash(rel)))
}

// decodeOpaque reverses encodeOpaque and rejects any value that would
// resolve outside the data root.
func decodeOpaque(layout *storagelayout.Layout, opaque string) (string, error) {
	relBytes, err := base64.RawURLEncoding.DecodeString(opaque)
	if err != nil {
		return "", fmt.Errorf("httpapi: malformed artifact identifier")
	}
	rel := string(relBytes)
	abs := filepath.Join(layout.Root(), rel)
	if !strings.HasPrefix(abs, layout.Root()+string(filepath.Separator)) && abs != layout.Root() {
		return "", fmt.Errorf("httpapi: artifact identifier escapes data root")
	}
	return abs, nil
}
