package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadResponse parses one server response off br. The counterpart to
// WriteResponse, used by the Go client and by tests.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	statusLine, err := readResponseLine(br)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return nil, fmt.Errorf("wire: malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("wire: non-numeric status in %q", statusLine)
	}

	resp := &Response{Status: status}
	var length int64
	for {
		line, err := readResponseLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		switch {
		case strings.EqualFold(name, HeaderLamportClock):
			resp.Clock, err = strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("wire: non-numeric %s %q", HeaderLamportClock, value)
			}
		case strings.EqualFold(name, HeaderContentLength):
			length, err = strconv.ParseInt(value, 10, 64)
			if err != nil || length < 0 {
				return nil, fmt.Errorf("wire: invalid %s %q", HeaderContentLength, value)
			}
		}
	}
	if length > 0 {
		resp.Body = make([]byte, length)
		if _, err := io.ReadFull(br, resp.Body); err != nil {
			return nil, fmt.Errorf("wire: read response body: %w", err)
		}
	}
	return resp, nil
}

func readResponseLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
