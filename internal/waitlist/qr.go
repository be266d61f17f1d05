package waitlist

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

const (
	DefaultQRSize = 320
	MinQRSize     = 160
	MaxQRSize     = 1024
)

// ClampQRSize keeps the PNG edge within [MinQRSize, MaxQRSize]. Zero means
// the default.
func ClampQRSize(size int) int {
	if size == 0 {
		return DefaultQRSize
	}
	if size < MinQRSize {
		return MinQRSize
	}
	if size > MaxQRSize {
		return MaxQRSize
	}
	return size
}

// JoinURL is the link a scanned code opens to join the event's waitlist.
func JoinURL(baseURL string, eventID int64) string {
	return fmt.Sprintf("%s/api/v1/waitlist/qr/join?eventId=%d", strings.TrimRight(baseURL, "/"), eventID)
}

// JoinQRCode renders url as a PNG QR code.
func JoinQRCode(url string, size int) ([]byte, error) {
	return qrcode.Encode(url, qrcode.Medium, ClampQRSize(size))
}
