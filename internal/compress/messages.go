package compress

import (
	"github.com/forest6511/offline/pkg/types"
)

// MessageType names a message exchanged with the compression worker.
type MessageType string

const (
	TypeCompress   MessageType = "compress"
	TypeCompressed MessageType = "compressed"
	TypeError      MessageType = "error"
)

// Request asks the worker to compress a blob.
type Request struct {
	Type MessageType `json:"type"`
	Data RequestData `json:"data"`
}

// RequestData is the payload of a compress request.
type RequestData struct {
	Blob    *types.Blob `json:"blob"`
	Options Options     `json:"options"`
}

// Response is the worker's reply. Data holds a *CompressedData for
// TypeCompressed and an *ErrorData for TypeError.
type Response struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// CompressedData is the payload of a successful reply.
type CompressedData struct {
	CompressedBlob   *types.Blob `json:"compressedBlob"`
	OriginalSize     int64       `json:"originalSize"`
	CompressedSize   int64       `json:"compressedSize"`
	CompressionRatio float64     `json:"compressionRatio"`
}

// ErrorData is the payload of a failed reply.
type ErrorData struct {
	Message string `json:"message"`
}

// Compressed returns the success payload, or nil for an error reply.
func (r Response) Compressed() *CompressedData {
	if r.Type != TypeCompressed {
		return nil
	}
	c, _ := r.Data.(*CompressedData)
	return c
}

// ErrorMessage returns the failure message, or "" for a success reply.
func (r Response) ErrorMessage() string {
	if r.Type != TypeError {
		return ""
	}
	if e, ok := r.Data.(*ErrorData); ok {
		return e.Message
	}
	return "unknown compression error"
}

func errorResponse(msg string) Response {
	return Response{Type: TypeError, Data: &ErrorData{Message: msg}}
}

func compressedResponse(original, compressed *types.Blob) Response {
	ratio := 1.0
	if original.Size() > 0 {
		ratio = float64(compressed.Size()) / float64(original.Size())
	}

	return Response{
		Type: TypeCompressed,
		Data: &CompressedData{
			CompressedBlob:   compressed,
			OriginalSize:     original.Size(),
			CompressedSize:   compressed.Size(),
			CompressionRatio: ratio,
		},
	}
}
