package tydom

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Mode selects how the gateway is reached.
type Mode int

// Connection modes.
const (
	ModeLocal Mode = iota
	ModeRemote
)

// MediationHost is the vendor relay used for remote access.
const MediationHost = "mediation.tydom.com"

// remotePrefix is prepended to every frame relayed through the mediation host.
const remotePrefix byte = 0x02

// Echo frames carry this many lines before the first chunk, or one more
// when the gateway adds an extra header.
const (
	echoHeaderLines      = 6
	echoHeaderLinesQuirk = 7
)

var requestPattern = regexp.MustCompile(`^(PUT|POST) (\S+) HTTP/1\.1`)

// ModeForHost returns ModeRemote for the mediation host and ModeLocal
// otherwise.
func ModeForHost(host string) Mode {
	if strings.EqualFold(strings.TrimSpace(host), MediationHost) {
		return ModeRemote
	}
	return ModeLocal
}

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// Frame is one decoded message from the gateway.
type Frame struct {
	// OriginPath is the Uri-Origin header of a response frame.
	OriginPath string

	// RequestLine is the first line of a request echo, e.g. "PUT /devices/data HTTP/1.1".
	RequestLine string

	// Method and Path are parsed from RequestLine.
	Method string
	Path   string

	// StatusCode is set for response frames.
	StatusCode int

	// TransacID echoes the Transac-Id of the request a response answers.
	TransacID string

	// Body is the JSON payload, possibly empty.
	Body []byte
}

// Resource returns the path the frame is about: the origin path of a
// response, or the path of a request echo.
func (f *Frame) Resource() string {
	if f.OriginPath != "" {
		return f.OriginPath
	}
	return f.Path
}

// Codec encodes outgoing requests and decodes incoming frames.
type Codec struct {
	mode Mode
	now  func() time.Time
}

// NewCodec creates a codec for the given mode.
func NewCodec(mode Mode) *Codec {
	return &Codec{mode: mode, now: time.Now}
}

// Mode returns the codec's connection mode.
func (c *Codec) Mode() Mode {
	return c.mode
}

// Encode builds a pseudo-HTTP request frame.
func (c *Codec) Encode(method, path string, body []byte) []byte {
	var buf bytes.Buffer
	if c.mode == ModeRemote {
		buf.WriteByte(remotePrefix)
	}
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	buf.WriteString("Content-Type: application/json; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "Transac-Id: %s\r\n\r\n", strconv.FormatInt(c.now().UnixMilli(), 10))
	if len(body) > 0 {
		buf.Write(body)
		buf.WriteString("\r\n\r\n")
	}
	return buf.Bytes()
}

// Decode parses one raw frame. Response frames are read as HTTP responses
// (chunked bodies included). PUT and POST echoes are unchunked by line
// position. Anything else is ErrProtocolParse.
func (c *Codec) Decode(raw []byte) (*Frame, error) {
	if c.mode == ModeRemote && len(raw) > 0 && raw[0] == remotePrefix {
		raw = raw[1:]
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocolParse)
	}

	if bytes.HasPrefix(raw, []byte("HTTP/")) {
		return decodeResponse(raw)
	}
	if m := requestPattern.FindSubmatch(raw); m != nil {
		return decodeEcho(raw, string(m[1]), string(m[2]))
	}

	line, _, _ := strings.Cut(string(raw), "\r\n")
	return nil, fmt.Errorf("%w: unrecognised frame %q", ErrProtocolParse, truncate(line, 64))
}

func decodeResponse(raw []byte) (*Frame, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrProtocolParse, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrProtocolParse, err)
	}

	return &Frame{
		OriginPath: resp.Header.Get("Uri-Origin"),
		StatusCode: resp.StatusCode,
		TransacID:  resp.Header.Get("Transac-Id"),
		Body:       bytes.TrimSpace(body),
	}, nil
}

func decodeEcho(raw []byte, method, path string) (*Frame, error) {
	lines := strings.Split(string(raw), "\r\n")
	f := &Frame{
		RequestLine: lines[0],
		Method:      method,
		Path:        path,
	}

	for _, skip := range []int{echoHeaderLines, echoHeaderLinesQuirk} {
		if body, ok := unchunk(lines, skip); ok {
			f.Body = body
			return f, nil
		}
	}

	// Content-Length echoes carry the body after the blank line.
	if _, rest, ok := bytes.Cut(raw, []byte("\r\n\r\n")); ok {
		body := bytes.TrimSpace(rest)
		if len(body) == 0 {
			return f, nil
		}
		if isJSONDocument(body) {
			f.Body = body
			return f, nil
		}
	}

	return nil, fmt.Errorf("%w: no JSON body in %s %s echo", ErrProtocolParse, method, path)
}

// unchunk reads alternating size and data lines from lines[skip:] until a
// zero or empty size line, and reports whether the result is a JSON object
// or array.
func unchunk(lines []string, skip int) ([]byte, bool) {
	var body strings.Builder
	for i := skip; i+1 < len(lines); i += 2 {
		size := strings.TrimSpace(lines[i])
		if size == "" || size == "0" {
			break
		}
		if _, err := strconv.ParseUint(size, 16, 32); err != nil {
			return nil, false
		}
		body.WriteString(lines[i+1])
	}
	b := []byte(body.String())
	return b, isJSONDocument(b)
}

func isJSONDocument(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || (b[0] != '{' && b[0] != '[') {
		return false
	}
	return json.Valid(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
