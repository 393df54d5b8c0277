package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxLineBytes bounds request and header lines so a peer cannot grow a
// single line without bound.
const maxLineBytes = 8 << 10

// maxHeaderLines bounds the header block of a PUT.
const maxHeaderLines = 64

// Reader parses sequential requests off one connection. It is a state
// machine: AWAIT_REQUEST_LINE, then for PUT READ_HEADERS and READ_BODY,
// looping back after every completed request.
type Reader struct {
	br         *bufio.Reader
	maxPayload int64
}

// NewReader wraps r. maxPayload caps PUT bodies; zero or negative means
// no explicit cap beyond maxLineBytes-scale sanity.
func NewReader(r io.Reader, maxPayload int64) *Reader {
	return &Reader{br: bufio.NewReader(r), maxPayload: maxPayload}
}

// Next reads the next request. io.EOF is returned only on a clean
// half-close between requests; errors wrapping ErrBadRequest describe
// protocol violations that should be answered with 400, any other error
// is a connection-level failure.
func (r *Reader) Next() (*Request, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	// Tolerate blank lines between exchanges.
	for line == "" {
		if line, err = r.readLine(); err != nil {
			return nil, err
		}
	}

	op, target, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}
	switch op {
	case OpGet:
		station, clk, err := parseGetTarget(target)
		if err != nil {
			return nil, err
		}
		return &Request{Op: OpGet, Station: station, Clock: clk}, nil
	case OpPut:
		if target != PutPath {
			return nil, badRequestf("unsupported PUT target %q", target)
		}
		return r.readPut()
	}
	return nil, badRequestf("unknown method %q", op)
}

func (r *Reader) readPut() (*Request, error) {
	var (
		clk        uint64
		haveClock  bool
		length     int64 = -1
		headerSeen int
	)
	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			break
		}
		if headerSeen++; headerSeen > maxHeaderLines {
			return nil, badRequestf("too many header lines")
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		switch {
		case strings.EqualFold(name, HeaderLamportClock):
			clk, err = strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, badRequestf("non-numeric %s %q", HeaderLamportClock, value)
			}
			haveClock = true
		case strings.EqualFold(name, HeaderContentLength):
			length, err = strconv.ParseInt(value, 10, 64)
			if err != nil || length < 0 {
				return nil, badRequestf("invalid %s %q", HeaderContentLength, value)
			}
		}
	}
	if !haveClock || length < 0 {
		return nil, badRequestf("PUT missing %s or %s", HeaderLamportClock, HeaderContentLength)
	}
	if length == 0 {
		return nil, badRequestf("PUT with empty body")
	}
	if r.maxPayload > 0 && length > r.maxPayload {
		return nil, badRequestf("payload of %d bytes exceeds limit %d", length, r.maxPayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: body shorter than declared %s", ErrBadRequest, HeaderContentLength)
		}
		return nil, err
	}
	return &Request{Op: OpPut, Clock: clk, Payload: payload}, nil
}

// readLine accumulates buffer-sized chunks so the cap is enforced while
// reading, not after an arbitrarily long line has already been buffered.
func (r *Reader) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return "", badRequestf("line exceeds %d bytes", maxLineBytes)
		}
		if err == nil {
			return strings.TrimRight(string(line), "\r\n"), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(line) != 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", io.EOF
		}
		return "", err
	}
}
