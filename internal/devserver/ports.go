package devserver

import "time"

// WellKnownPorts is the port range dev servers are expected to bind, in
// preference order.
var WellKnownPorts = []int{3000, 3001, 3002, 3003, 3004, 3005}

// Defaults shared by the controller, the readiness poller and the router.
const (
	ManifestFile  = "package.json"
	LogFileName   = ".devserver.log"
	CacheTTL      = 1500 * time.Millisecond
	ReadyTimeout  = 120 * time.Second
	AutostartWait = 12 * time.Second
	StreamEvery   = 2 * time.Second
	LogTailLines  = 50
)

// Ports returns a copy of WellKnownPorts.
func Ports() []int { return append([]int(nil), WellKnownPorts...) }
