package server

import (
	"time"

	"github.com/dotside-studios/handheld-agent/buildinfo"
)

// mDNS service discovery constants
var (
	MDNSServiceType = "_handheld-agent._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// DefaultPort is the port the control server listens on.
const DefaultPort = 18090

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)

const (
	writeWait       = 5 * time.Second
	shutdownTimeout = 5 * time.Second

	// DefaultControlTimeout releases the control lease of a client that has
	// sent no command for this long.
	DefaultControlTimeout = 60 * time.Second
)
