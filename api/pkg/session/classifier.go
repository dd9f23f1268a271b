package session

import "strings"

// criticalTransportSignatures mark errors meaning the browser or page under
// a live session is gone. Anything matching forces a teardown so the next
// login starts from a clean slate instead of hammering a dead target.
var criticalTransportSignatures = []string{
	"session closed",
	"target closed",
	"page has been closed",
	"browser has been closed",
	"detached from target",
	"use of closed network connection",
	"connection is shut down",
	"websocket: close",
}

func isCriticalTransport(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range criticalTransportSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
