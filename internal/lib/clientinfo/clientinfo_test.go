package clientinfo

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	chromeOnWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36"
	firefoxOnLinux  = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
)

var extractor = New()

func TestExtract_FullHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	req.Header.Set("device-id", "device-A")
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.2")
	req.Header.Set("User-Agent", chromeOnWindows)

	info := extractor.Extract(req)

	assert.Equal(t, "device-A", info.DeviceID)
	assert.Equal(t, "1.2.3.4", info.IP)
	assert.Equal(t, "Chrome", info.BrowserFamily)
	assert.Equal(t, "120.0", info.BrowserVersion)
	assert.Equal(t, "Windows", info.OSFamily)
	assert.Equal(t, "Chrome 120.0", info.Browser())
}

func TestExtract_Firefox(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("User-Agent", firefoxOnLinux)

	info := extractor.Extract(req)

	assert.Equal(t, "Firefox", info.BrowserFamily)
	assert.Equal(t, "121.0", info.BrowserVersion)
	assert.NotEqual(t, UnknownFamily, info.OSFamily)
}

func TestExtract_MissingHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = ""
	req.Header.Del("User-Agent")

	info := extractor.Extract(req)

	assert.Empty(t, info.DeviceID)
	assert.Empty(t, info.IP)
	assert.Equal(t, UnknownFamily, info.BrowserFamily)
	assert.Empty(t, info.BrowserVersion)
	assert.Equal(t, UnknownFamily, info.OSFamily)
	assert.Empty(t, info.OSVersion)
	assert.Equal(t, UnknownFamily, info.Browser())
}

func TestExtract_UnparseableUserAgent(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("User-Agent", "xyzzy")

	info := extractor.Extract(req)

	assert.Equal(t, UnknownFamily, info.BrowserFamily)
	assert.Empty(t, info.BrowserVersion)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  []string
		remoteAddr string
		want       string
	}{
		{name: "forwarded list", forwarded: []string{"1.2.3.4, 5.6.7.8"}, remoteAddr: "9.9.9.9:1", want: "1.2.3.4"},
		{name: "repeated header", forwarded: []string{"1.2.3.4", "5.6.7.8"}, remoteAddr: "9.9.9.9:1", want: "1.2.3.4"},
		{name: "blank forwarded", forwarded: []string{"  "}, remoteAddr: "9.9.9.9:1", want: "9.9.9.9"},
		{name: "peer only", remoteAddr: "9.9.9.9:1234", want: "9.9.9.9"},
		{name: "ipv6 peer", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "peer without port", remoteAddr: "9.9.9.9", want: "9.9.9.9"},
		{name: "nothing", remoteAddr: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}

			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
