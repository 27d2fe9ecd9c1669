// Package message defines the UPnP request and response messages exchanged
// over SSDP datagrams and HTTP streams.
//
// A message is an operation (request line or status line), a header
// collection and an optional body. Datagram wraps a message with the
// addresses it was received on or is sent to; Request carries the
// connection of the stream it arrived on.
package message

import (
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
)

// Method is a request method.
type Method string

// Request methods used by UPnP.
const (
	MethodNotify      Method = "NOTIFY"
	MethodSearch      Method = "M-SEARCH"
	MethodGet         Method = "GET"
	MethodPost        Method = "POST"
	MethodSubscribe   Method = "SUBSCRIBE"
	MethodUnsubscribe Method = "UNSUBSCRIBE"
)

// ParseMethod returns the Method for a request-line token.
func ParseMethod(s string) (Method, bool) {
	switch m := Method(s); m {
	case MethodNotify, MethodSearch, MethodGet, MethodPost, MethodSubscribe, MethodUnsubscribe:
		return m, true
	}
	return "", false
}

// Connection describes the stream connection a request arrived on.
type Connection struct {
	RemoteAddr net.Addr
	LocalAddr  net.Addr
}

// RemoteIP returns the client IP of the connection, nil when unknown.
func (c *Connection) RemoteIP() net.IP {
	if c == nil {
		return nil
	}
	return addrIP(c.RemoteAddr)
}

// LocalIP returns the local IP the connection was accepted on.
func (c *Connection) LocalIP() net.IP {
	if c == nil {
		return nil
	}
	return addrIP(c.LocalAddr)
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP
	case *net.UDPAddr:
		return v.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// Request is a request message.
type Request struct {
	Method     Method
	URL        *url.URL
	ProtoMinor int
	Header     *header.Headers
	Body       []byte

	// Connection is set on requests received over a stream.
	Connection *Connection
}

// NewRequest returns an HTTP/1.1 request with empty headers.
func NewRequest(method Method, u *url.URL) *Request {
	return &Request{Method: method, URL: u, ProtoMinor: 1, Header: header.New()}
}

// NewMulticastRequest returns an SSDP request addressed to "*".
func NewMulticastRequest(method Method) *Request {
	return NewRequest(method, &url.URL{Path: "*"})
}

// Target returns the request-target of the request line.
func (r *Request) Target() string {
	if r.URL == nil {
		return "*"
	}
	if r.URL.Path == "*" && r.URL.Host == "" {
		return "*"
	}
	return r.URL.RequestURI()
}

// BodyString returns the body as a string.
func (r *Request) BodyString() string {
	return string(r.Body)
}

// ContentIsXML reports whether the declared content type is XML.
func (r *Request) ContentIsXML() bool {
	return isXML(r.Header)
}

func (r *Request) String() string {
	return fmt.Sprintf("(%s %s)", r.Method, r.Target())
}

// Response is a response message.
type Response struct {
	StatusCode int
	Status     string
	ProtoMinor int
	Header     *header.Headers
	Body       []byte
}

// NewResponse returns an HTTP/1.1 response with the standard status text.
func NewResponse(code int) *Response {
	return &Response{StatusCode: code, Status: http.StatusText(code), ProtoMinor: 1, Header: header.New()}
}

// IsFailed reports whether the status code is not 2xx.
func (r *Response) IsFailed() bool {
	return r.StatusCode < 200 || r.StatusCode >= 300
}

// BodyString returns the body as a string.
func (r *Response) BodyString() string {
	return string(r.Body)
}

// ContentIsXML reports whether the declared content type is XML.
func (r *Response) ContentIsXML() bool {
	return isXML(r.Header)
}

func (r *Response) String() string {
	return fmt.Sprintf("(%d %s)", r.StatusCode, r.Status)
}

func isXML(h *header.Headers) bool {
	ct, ok := header.Get[header.ContentType](h, header.TypeContentType)
	return ok && ct.IsXML()
}

// Datagram is an SSDP message with its addressing. Exactly one of Request and
// Response is set.
type Datagram struct {
	Request  *Request
	Response *Response

	// Remote is the sender of an incoming datagram or the destination of an
	// outgoing one.
	Remote *net.UDPAddr

	// Local is the local address an incoming datagram was received on.
	Local net.IP
}

// Header returns the headers of the carried message.
func (d *Datagram) Header() *header.Headers {
	if d.Request != nil {
		return d.Request.Header
	}
	if d.Response != nil {
		return d.Response.Header
	}
	return header.New()
}

func (d *Datagram) String() string {
	if d.Request != nil {
		return fmt.Sprintf("datagram %s from/to %v", d.Request, d.Remote)
	}
	if d.Response != nil {
		return fmt.Sprintf("datagram %s from/to %v", d.Response, d.Remote)
	}
	return "datagram (empty)"
}
