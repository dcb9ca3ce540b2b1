package radius

import (
	"fmt"
	"net"
)

// nasIPProbeTarget is only dialled, never sent to: connecting a UDP socket
// makes the kernel pick the outbound interface.
const nasIPProbeTarget = "8.8.8.8:53"

// DetectNASIP returns the local address used to reach the internet.
func DetectNASIP() (net.IP, error) {
	return detectNASIP(nasIPProbeTarget)
}

func detectNASIP(target string) (net.IP, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to detect NAS IP: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return nil, fmt.Errorf("failed to detect NAS IP: no usable local address")
	}
	return addr.IP, nil
}
