package wire

import (
	"bufio"
	"fmt"
	"io"
)

// WriteResponse serializes resp: status line, Content-Type,
// Lamport-Clock and Content-Length headers, a blank line, then the body.
func WriteResponse(w io.Writer, resp Response) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", resp.Status, ReasonPhrase(resp.Status)); err != nil {
		return fmt.Errorf("wire: write status line: %w", err)
	}
	if _, err := fmt.Fprintf(bw, "%s: %s\r\n", HeaderContentType, ContentTypeJSON); err != nil {
		return fmt.Errorf("wire: write headers: %w", err)
	}
	if _, err := fmt.Fprintf(bw, "%s: %d\r\n", HeaderLamportClock, resp.Clock); err != nil {
		return fmt.Errorf("wire: write headers: %w", err)
	}
	if _, err := fmt.Fprintf(bw, "%s: %d\r\n\r\n", HeaderContentLength, len(resp.Body)); err != nil {
		return fmt.Errorf("wire: write headers: %w", err)
	}
	if len(resp.Body) > 0 {
		if _, err := bw.Write(resp.Body); err != nil {
			return fmt.Errorf("wire: write body: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("wire: flush response: %w", err)
	}
	return nil
}
