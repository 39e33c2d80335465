// internal/app/helpers.go
package app

import (
	"log"
	"strings"
)

// NormalizeLocalViewer ensures the call API only binds to localhost
// and returns the listen addr and its base URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(peerDir, cfgPath, id, role string) {
	log.Println("────────────────────────────────────────")
	log.Println("tutorcall participant")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Printf(" Identity    : %s (%s)", id, role)
	log.Println("")
	log.Println(" This process represents ONE participant.")
	log.Println(" Different folder/config = different participant.")
	log.Println("────────────────────────────────────────")
}
