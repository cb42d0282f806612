package models

import (
	"slices"
	"time"
)

// ClientInfo is the request metadata derived before authentication runs.
type ClientInfo struct {
	DeviceID       string
	IP             string
	BrowserFamily  string
	BrowserVersion string
	OSFamily       string
	OSVersion      string
}

// Browser renders the browser as "Family Major.Minor".
func (c ClientInfo) Browser() string {
	if c.BrowserVersion == "" {
		return c.BrowserFamily
	}
	return c.BrowserFamily + " " + c.BrowserVersion
}

// OS renders the operating system as "Family Major".
func (c ClientInfo) OS() string {
	if c.OSVersion == "" {
		return c.OSFamily
	}
	return c.OSFamily + " " + c.OSVersion
}

// Identity is attached to a request once its bearer token validated.
type Identity struct {
	UserID   string
	Username string
	Email    string
	Roles    []string
}

func (i *Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// RequestContext accumulates per-request metadata across middleware stages.
// Each stage reads what earlier stages set and fills in its own fields.
type RequestContext struct {
	Client   ClientInfo
	Location string
	Identity *Identity
}

func (r *RequestContext) Authenticated() bool {
	return r != nil && r.Identity != nil
}

type RequestLog struct {
	CreatedAt  time.Time
	Method     string
	Path       string
	StatusCode int
	UserID     string
	IP         string
	DeviceID   string
}
