// Package testutil holds HTTP helpers shared by package tests.
package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
)

// IPv4Server is an HTTP server bound to 127.0.0.1, for sandboxes without IPv6
// loopback where httptest.NewServer can fail.
type IPv4Server struct {
	URL       string
	listener  net.Listener
	server    *http.Server
	transport *http.Transport
	client    *http.Client
}

// NewIPv4Server starts handler on the IPv4 loopback interface and closes it
// when the test ends.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		listener:  l,
		server:    &http.Server{Handler: handler},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("IPv4Server serve error: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client returns an HTTP client configured for the server.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Close shuts down the server. Safe to call more than once.
func (s *IPv4Server) Close() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// a cancelled context makes Shutdown stop waiting on hijacked or streaming
	// connections instead of blocking the test
	_ = s.server.Shutdown(ctx)
	_ = s.server.Close()
	s.transport.CloseIdleConnections()
}
