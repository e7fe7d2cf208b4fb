package tplink

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// GenerateMAC returns a random MAC address formatted as lowercase
// colon-separated hex. With an empty oui the address is locally
// administered and unicast (bit 0 of the first byte cleared, bit 1 set).
// A non-empty oui such as "53:75:31" pins the leading bytes and only the
// remainder is random.
func GenerateMAC(oui string) (string, error) {
	mac := randomBytes(6)
	if oui != "" {
		chunks := strings.Split(oui, ":")
		if len(chunks) > 6 {
			return "", fmt.Errorf("OUI %q longer than a MAC address", oui)
		}
		for i, chunk := range chunks {
			b, err := strconv.ParseUint(chunk, 16, 8)
			if err != nil {
				return "", fmt.Errorf("invalid OUI %q: %w", oui, err)
			}
			mac[i] = byte(b)
		}
	} else {
		mac[0] &^= 1     // unicast
		mac[0] |= 1 << 1 // locally administered
	}

	parts := make([]string, len(mac))
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":"), nil
}

// GenerateDeviceID returns 20 random bytes as lowercase concatenated hex,
// matching the length of real Kasa device ids.
func GenerateDeviceID() string {
	return fmt.Sprintf("%x", randomBytes(20))
}
