package middleware

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// bufferedWriter holds the handler's response back until settlement has
// succeeded. Nothing reaches the client before flush; if settlement fails
// the buffered content is abandoned and the error response is written
// through the real writer instead.
type bufferedWriter struct {
	gin.ResponseWriter
	body     *bytes.Buffer
	status   int
	header   http.Header
	maxSize  int
	overflow bool
	dropped  bool
}

// capture swaps the context's writer for a buffering one and returns it.
func capture(ctx *gin.Context, maxSize int) *bufferedWriter {
	w := &bufferedWriter{
		ResponseWriter: ctx.Writer,
		body:           &bytes.Buffer{},
		status:         http.StatusOK,
		header:         make(http.Header),
		maxSize:        maxSize,
	}
	ctx.Writer = w
	return w
}

func (w *bufferedWriter) Write(data []byte) (int, error) {
	if w.dropped {
		// The buffer was abandoned mid-request; swallow late handler
		// writes so they cannot trail the error response.
		return len(data), nil
	}
	if w.maxSize > 0 && w.body.Len()+len(data) > w.maxSize {
		w.overflow = true
		return 0, fmt.Errorf("response exceeds max buffer size (%d bytes)", w.maxSize)
	}
	return w.body.Write(data)
}

func (w *bufferedWriter) WriteHeader(status int) {
	w.status = status
}

func (w *bufferedWriter) Header() http.Header {
	return w.header
}

func (w *bufferedWriter) Status() int {
	return w.status
}

// abandon drops the buffered response and points the context back at the
// underlying writer, so a payment-failure response can be sent in its place.
func (w *bufferedWriter) abandon(ctx *gin.Context) {
	w.dropped = true
	w.body.Reset()
	ctx.Writer = w.ResponseWriter
}

// flush releases the withheld response: buffered headers (including the
// PAYMENT-RESPONSE settlement header set after the handler ran), then status
// and body.
func (w *bufferedWriter) flush() error {
	if w.dropped {
		return nil
	}
	for k, v := range w.header {
		for _, val := range v {
			w.ResponseWriter.Header().Add(k, val)
		}
	}
	w.ResponseWriter.WriteHeader(w.status)
	_, err := w.ResponseWriter.Write(w.body.Bytes())
	return err
}
