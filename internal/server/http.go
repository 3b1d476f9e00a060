package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrBodyTooLarge     = errors.New("request body too large")

	errLineTooLong = errors.New("line too long")
)

const (
	StatusOK            = "HTTP/1.1 200 OK"
	StatusNotFound      = "HTTP/1.1 404 NOT FOUND"
	StatusInternalError = "HTTP/1.1 500 INTERNAL SERVER ERROR"
)

const (
	maxRequestLine = 8 << 10
	maxBody        = 1 << 20
)

type route int

const (
	routeNotFound route = iota
	routeHome
	routeConfig
	routeUpdateConfig
)

func (r route) String() string {
	switch r {
	case routeHome:
		return "home"
	case routeConfig:
		return "config"
	case routeUpdateConfig:
		return "update_config"
	default:
		return "not_found"
	}
}

// Prefixes include the trailing space so "/homepage" or "/config?x" do not match
func classify(line string) route {
	switch {
	case strings.HasPrefix(line, "GET /config "):
		return routeConfig
	case strings.HasPrefix(line, "POST /update_config "):
		return routeUpdateConfig
	case strings.HasPrefix(line, "GET / "), strings.HasPrefix(line, "GET /home "):
		return routeHome
	default:
		return routeNotFound
	}
}

// readRequestLine returns the first line without its line terminator.
// A stream that ends before any byte arrives is malformed; an empty line
// is not.
func readRequestLine(r *bufio.Reader) (string, error) {
	line, err := readLine(r)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return line, nil
}

// readLine returns the next line with CR/LF stripped. A final line
// without a terminator is returned as is; io.EOF is returned only when
// nothing was left to read.
func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxRequestLine {
			return "", errLineTooLong
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				break
			}
			return "", err
		}
		break
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// readBody skips the header block up to the first blank line and returns
// the body. Header lines are not validated; only Content-Length is
// looked at, and without it the body runs to EOF.
func readBody(r *bufio.Reader) ([]byte, error) {
	contentLength := int64(-1)
	for {
		line, err := readLine(r)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read headers: %w", err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		value = strings.TrimSpace(value)
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad Content-Length %q", ErrMalformedRequest, value)
		}
		contentLength = n
	}

	if contentLength > maxBody {
		return nil, ErrBodyTooLarge
	}
	if contentLength >= 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxBody {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// formValues holds decoded form fields; a repeated key keeps its last value
type formValues map[string]string

func (f formValues) lookup(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

// decodeForm splits body on '&' and each pair on its first '='. Only '&'
// separates pairs, so ';' stays part of a value. A component that does
// not percent-decode is kept verbatim and reported in the returned error.
func decodeForm(body []byte) (formValues, error) {
	// Line breaks inside the body are dropped before decoding
	body = bytes.ReplaceAll(body, []byte("\r"), nil)
	body = bytes.ReplaceAll(body, []byte("\n"), nil)

	form := make(formValues)
	var errs []error
	for _, pair := range strings.Split(string(body), "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := unescape(k)
		if err != nil {
			errs = append(errs, err)
		}
		value, err := unescape(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", key, err))
		}
		form[key] = value
	}
	return form, errors.Join(errs...)
}

func unescape(s string) (string, error) {
	u, err := url.QueryUnescape(s)
	if err != nil {
		return s, err
	}
	return u, nil
}

func writeResponse(w io.Writer, status string, body []byte) error {
	var buf bytes.Buffer
	buf.Grow(len(status) + len(body) + 32)
	fmt.Fprintf(&buf, "%s\r\nContent-Length: %d\r\n\r\n", status, len(body))
	buf.Write(body)
	_, err := w.Write(buf.Bytes())
	return err
}
