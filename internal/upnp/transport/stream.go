package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/message"
)

func init() {
	// GENA methods must be known to chi before any route is registered.
	for _, m := range []message.Method{message.MethodSubscribe, message.MethodUnsubscribe, message.MethodNotify} {
		chi.RegisterMethod(string(m))
	}
}

// StreamServer accepts UPnP HTTP requests (descriptor GET, SOAP POST, GENA
// SUBSCRIBE/UNSUBSCRIBE/NOTIFY) and hands them to a stream handler.
type StreamServer struct {
	srv      *http.Server
	ln       net.Listener
	handle   StreamHandlerFunc
	maxBody  int64
	logger   Logger
	observer Observer
	stopWait time.Duration
}

// StreamHandlerFunc serves one stream request; see Handler.HandleStream.
type StreamHandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, func(error))

// NewStreamServer listens on addr. handle serves every request.
func NewStreamServer(addr string, cfg Config, handle StreamHandlerFunc, logger Logger, observer Observer) (*StreamServer, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = noopLogger{}
	}
	if observer == nil {
		observer = noopObserver{}
	}

	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	s := &StreamServer{
		ln:       ln,
		handle:   handle,
		maxBody:  cfg.MaxBodySize,
		logger:   logger,
		observer: observer,
		stopWait: cfg.ReadTimeout,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.HandleFunc("/*", s.serveHTTP)

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout + cfg.ConnectTimeout,
	}
	return s, nil
}

// Port returns the bound TCP port.
func (s *StreamServer) Port() int {
	if a, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Serve accepts connections until Stop is called.
func (s *StreamServer) Serve() error {
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener so new connections are refused. In-flight
// requests get a bounded grace period and are not aborted afterwards.
func (s *StreamServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopWait)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	// Shutdown only closes listeners Serve has seen.
	_ = s.ln.Close()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("stopping stream server: %w", err)
	}
	return nil
}

func (s *StreamServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := requestFromHTTP(r, s.maxBody)
	if err != nil {
		s.logger.Debug("rejecting stream request", "remote", r.RemoteAddr, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		s.observer.StreamServed(r.Method, http.StatusBadRequest)
		return
	}

	resp, done := s.handle(r.Context(), req)
	if resp == nil {
		resp = message.NewResponse(http.StatusInternalServerError)
	}
	writeErr := writeResponse(w, resp)
	s.observer.StreamServed(r.Method, resp.StatusCode)
	if done != nil {
		done(writeErr)
	}
}

func requestFromHTTP(r *http.Request, maxBody int64) (*message.Request, error) {
	method, ok := message.ParseMethod(r.Method)
	if !ok {
		return nil, fmt.Errorf("unsupported method %q", r.Method)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBody)
	}

	req := message.NewRequest(method, r.URL)
	req.ProtoMinor = r.ProtoMinor
	if r.Host != "" {
		req.Header.Add(header.TypeHost.String(), r.Host)
	}
	for name, values := range r.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Body = body

	conn := &message.Connection{}
	if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		conn.RemoteAddr = addr
	}
	if local, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		conn.LocalAddr = local
	}
	req.Connection = conn
	return req, nil
}

func writeResponse(w http.ResponseWriter, resp *message.Response) error {
	h := w.Header()
	resp.Header.Each(func(name, value string) {
		if strings.EqualFold(name, "Content-Length") {
			return
		}
		// Assigned directly so header names keep their wire case.
		h[name] = append(h[name], value)
	})
	h["Content-Length"] = []string{strconv.Itoa(len(resp.Body))}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return nil
	}
	if _, err := w.Write(resp.Body); err != nil {
		return fmt.Errorf("writing response body: %w", err)
	}
	return nil
}

// StreamClient performs outgoing UPnP HTTP requests with a connect timeout
// and a response timeout.
type StreamClient struct {
	client    *http.Client
	maxBody   int64
	userAgent string
}

// NewStreamClient returns a client configured from cfg.
func NewStreamClient(cfg Config) *StreamClient {
	cfg = cfg.withDefaults()
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &StreamClient{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: cfg.ReadTimeout,
				DisableCompression:    true,
				MaxIdleConnsPerHost:   2, //nolint:mnd // few parallel requests per device
				IdleConnTimeout:       30 * time.Second,
			},
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody:   cfg.MaxBodySize,
		userAgent: cfg.UserAgent,
	}
}

// Send performs req. Failures to obtain a response are wrapped in
// ErrTransport; HTTP error statuses are returned as responses.
func (c *StreamClient) Send(ctx context.Context, req *message.Request) (*message.Response, error) {
	if req.URL == nil || !req.URL.IsAbs() {
		return nil, fmt.Errorf("%w: request URL %v is not absolute", ErrTransport, req.URL)
	}
	hr, err := http.NewRequestWithContext(ctx, string(req.Method), req.URL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Each(func(name, value string) {
		switch {
		case strings.EqualFold(name, header.TypeHost.String()), strings.EqualFold(name, "Content-Length"):
		case strings.EqualFold(name, header.TypeUserAgent.String()):
			hr.Header.Set("User-Agent", value)
		default:
			hr.Header[name] = append(hr.Header[name], value)
		}
	})
	if !req.Header.Has(header.TypeUserAgent.String()) && c.userAgent != "" {
		hr.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, req.Method, req.URL, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response of %s: %v", ErrTransport, req.URL, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: response of %s exceeds %d bytes", ErrTransport, req.URL, c.maxBody)
	}

	resp := message.NewResponse(res.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(res.Status, strconv.Itoa(res.StatusCode))); text != "" {
		resp.Status = text
	}
	resp.ProtoMinor = res.ProtoMinor
	for name, values := range res.Header {
		for _, v := range values {
			resp.Header.Add(name, v)
		}
	}
	resp.Body = body
	return resp, nil
}

// Close releases idle connections.
func (c *StreamClient) Close() {
	c.client.CloseIdleConnections()
}
