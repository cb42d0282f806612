// Package clientinfo derives device, network and user-agent metadata from an
// inbound request. Every field is best effort: missing or malformed headers
// degrade to empty values and the extractor never fails.
package clientinfo

import (
	"net"
	"net/http"
	"strings"

	"aniyuu/internal/domain/models"

	"github.com/ua-parser/uap-go/uaparser"
)

const (
	HeaderDeviceID     = "Device-Id"
	HeaderForwardedFor = "X-Forwarded-For"
	UnknownFamily      = "Unknown"
	uapUnmatchedFamily = "Other"
)

type Extractor struct {
	parser *uaparser.Parser
}

// New loads the bundled user-agent signature database. Loading compiles a few
// hundred regular expressions, so build one Extractor per process.
func New() *Extractor {
	return &Extractor{parser: uaparser.NewFromSaved()}
}

func (e *Extractor) Extract(r *http.Request) models.ClientInfo {
	info := models.ClientInfo{
		DeviceID: strings.TrimSpace(r.Header.Get(HeaderDeviceID)),
		IP:       ClientIP(r),
	}

	e.parseUserAgent(r.UserAgent(), &info)

	return info
}

func (e *Extractor) parseUserAgent(ua string, info *models.ClientInfo) {
	info.BrowserFamily = UnknownFamily
	info.OSFamily = UnknownFamily

	if strings.TrimSpace(ua) == "" {
		return
	}

	client := e.parser.Parse(ua)

	if client.UserAgent != nil && client.UserAgent.Family != "" && client.UserAgent.Family != uapUnmatchedFamily {
		info.BrowserFamily = client.UserAgent.Family
		info.BrowserVersion = joinVersion(client.UserAgent.Major, client.UserAgent.Minor)
	}

	if client.Os != nil && client.Os.Family != "" && client.Os.Family != uapUnmatchedFamily {
		info.OSFamily = client.Os.Family
		info.OSVersion = client.Os.Major
	}
}

func joinVersion(major, minor string) string {
	if major == "" {
		return ""
	}
	if minor == "" {
		return major
	}
	return major + "." + minor
}

// ClientIP prefers the first X-Forwarded-For hop and falls back to the
// transport peer address.
func ClientIP(r *http.Request) string {
	for _, value := range r.Header.Values(HeaderForwardedFor) {
		first, _, _ := strings.Cut(value, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr == "" {
		return ""
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
