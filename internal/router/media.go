package router

import "github.com/gabriel-vasile/mimetype"

// Binary event-type codes with a fixed media type.
const (
	CodeJPEG uint32 = 1
	CodePNG  uint32 = 2
)

// MediaEvent is a decoded binary frame.
type MediaEvent struct {
	Code uint32
	MIME string
	Data []byte
}

// MediaType returns the MIME type for a binary event code. Unknown
// codes are sniffed from the payload.
func MediaType(code uint32, data []byte) string {
	switch code {
	case CodeJPEG:
		return "image/jpeg"
	case CodePNG:
		return "image/png"
	}
	return mimetype.Detect(data).String()
}
