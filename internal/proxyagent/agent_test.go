package proxyagent

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		in   any
		ok   bool
	}{
		{"valid socks5", `{"type":"socks5","host":"p","port":1080}`, true},
		{"valid http with auth", `{"type":"http","host":"p","port":8080,"username":"u","password":"p"}`, true},
		{"valid https", Descriptor{Type: "https", Host: "p", Port: 443}, true},
		{"missing type", `{"host":"p","port":8080}`, false},
		{"missing host", `{"type":"http","port":8080}`, false},
		{"missing port", `{"type":"http","host":"p"}`, false},
		{"bad type", `{"type":"ftp","host":"p","port":21}`, false},
		{"port too high", `{"type":"http","host":"p","port":70000}`, false},
		{"bad json", `{not json`, false},
	}

	for _, c := range cases {
		_, err := Parse(c.in)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestFactoryCachesByTuple(t *testing.T) {
	f := NewFactory(true)

	a1, err := f.Get(`{"type":"http","host":"p","port":8080,"username":"u","password":"one"}`)
	if err != nil {
		t.Fatal(err)
	}
	// Same tuple, rotated password: same agent slot.
	a2, err := f.Get(`{"type":"http","host":"p","port":8080,"username":"u","password":"two"}`)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Fatal("same tuple should reuse the cached agent")
	}

	a3, err := f.Get(`{"type":"http","host":"p","port":8081,"username":"u"}`)
	if err != nil {
		t.Fatal(err)
	}
	if a1 == a3 {
		t.Fatal("different port should create a new agent")
	}
}

func TestFactoryNilDescriptor(t *testing.T) {
	f := NewFactory(true)
	a, err := f.Get(nil)
	if err != nil {
		t.Fatal(err)
	}
	if a != nil {
		t.Fatal("nil descriptor should mean direct connection")
	}
}

func TestNetworkPreference(t *testing.T) {
	f := NewFactory(true)
	if n := f.network(&Descriptor{}); n != "tcp4" {
		t.Fatalf("factory default: %s", n)
	}
	if n := f.network(&Descriptor{PreferIPv4: false}); n != "tcp" {
		t.Fatalf("explicit false: %s", n)
	}
	if n := f.network(&Descriptor{PreferIPv4: "ipv6"}); n != "tcp6" {
		t.Fatalf("string ipv6: %s", n)
	}
	if n := f.network(&Descriptor{PreferIPv4: float64(1)}); n != "tcp4" {
		t.Fatalf("numeric true: %s", n)
	}
}

func TestConnectTunnel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			done <- err
			return
		}
		if req.Method != http.MethodConnect {
			t.Errorf("method = %s, want CONNECT", req.Method)
		}
		if req.Host != "api.anthropic.com:443" {
			t.Errorf("host = %s", req.Host)
		}
		// base64("u:p") == "dTpw"
		if got := req.Header.Get("Proxy-Authorization"); got != "Basic dTpw" {
			t.Errorf("Proxy-Authorization = %q", got)
		}
		_, err = server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		done <- err
	}()

	if err := ConnectTunnel(client, "api.anthropic.com:443", "u", "p"); err != nil {
		t.Fatalf("ConnectTunnel: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("proxy side did not finish")
	}
}

func TestConnectTunnelRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// Swallow the whole CONNECT request, then refuse.
		buf := make([]byte, 4096)
		var got string
		for !strings.Contains(got, "\r\n\r\n") {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			got += string(buf[:n])
		}
		server.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	}()

	err := ConnectTunnel(client, "api.anthropic.com:443", "", "")
	if err == nil || !strings.Contains(err.Error(), "407") {
		t.Fatalf("expected 407 failure, got %v", err)
	}
}

func TestMaskDescriptor(t *testing.T) {
	d := &Descriptor{Type: "http", Host: "proxy.example", Port: 8080, Username: "alice", Password: "hunter2secret"}
	got := MaskDescriptor(d)

	if strings.Contains(got, "alice") || strings.Contains(got, "hunter2secret") {
		t.Fatalf("credentials leaked: %s", got)
	}
	if !strings.Contains(got, "a***e") {
		t.Fatalf("username mask wrong: %s", got)
	}
	if !strings.Contains(got, "********") {
		t.Fatalf("password mask wrong: %s", got)
	}

	if MaskDescriptor(nil) != "direct" {
		t.Fatal("nil descriptor should render as direct")
	}
}
