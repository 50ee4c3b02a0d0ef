package lockingfs

import (
	"mime"
	"net/http"
	"path"
)

// DetectMimetype guesses the media type of a file from the extension of p,
// falling back to sniffing the first bytes of head.
func DetectMimetype(p string, head []byte) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	if len(head) == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(head)
}
