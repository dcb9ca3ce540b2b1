package radius

import (
	"encoding/hex"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/isometry/authrelay/internal/logging"
)

// packetFields describes p for logs. Secret-bearing attributes are listed by
// name only.
func packetFields(p *radius.Packet) map[string]any {
	names := make([]string, 0, len(p.Attributes))
	for _, a := range namedAttributes(p) {
		names = append(names, a.Name)
	}

	fields := map[string]any{
		"code":       p.Code.String(),
		"identifier": p.Identifier,
		"attributes": names,
	}
	if name := rfc2865.UserName_GetString(p); name != "" {
		fields["username"] = name
	}
	return fields
}

// dumpPacket logs raw when debug dumps are enabled.
func dumpPacket(log logging.Logger, direction, peer string, raw []byte) {
	log.Debug("Packet dump", map[string]any{
		"direction": direction,
		"peer":      peer,
		"packet":    hex.EncodeToString(raw),
	})
}
