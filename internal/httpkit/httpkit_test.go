package httpkit

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClientDefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", c.Timeout)
	}
}

func TestNewClientZeroTimeoutForStreaming(t *testing.T) {
	c := NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("timeout = %v, want 0", c.Timeout)
	}
}

func TestNewClientUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	c := NewClient(WithUserAgent("TestBot/1.0"))
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "TestBot/1.0" {
		t.Errorf("User-Agent = %q, want TestBot/1.0", body)
	}
}

func TestNewClientDefaultUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "ember-agent/") {
		t.Errorf("User-Agent = %q, want ember-agent/ prefix", body)
	}
}

func TestNewClientExistingUserAgentKept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	c := NewClient()
	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "CustomBot/2.0")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "CustomBot/2.0" {
		t.Errorf("User-Agent = %q, want CustomBot/2.0", body)
	}
}

func TestNewTransportHasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(io.NopCloser(strings.NewReader("hello")), 1024)
	DrainAndClose(nil, 1024) // nil must not panic
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("error details here"))
	if got := ReadErrorBody(rc, 512); got != "error details here" {
		t.Errorf("ReadErrorBody = %q", got)
	}
}

func TestReadErrorBodyTruncated(t *testing.T) {
	rc := io.NopCloser(strings.NewReader(strings.Repeat("x", 1000)))
	if got := ReadErrorBody(rc, 10); len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}

func TestReadErrorBodyNil(t *testing.T) {
	if got := ReadErrorBody(nil, 512); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q", got)
	}
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) { return 0, fmt.Errorf("simulated read error") }

func TestReadErrorBodyReadFailure(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(failReader{}), 512)
	if !strings.Contains(got, "failed to read") {
		t.Errorf("ReadErrorBody = %q, want failure note", got)
	}
}
