package token

import (
	"github.com/skip2/go-qrcode"

	"attendguard/internal/apperr"
)

// QRCode renders a token value as a PNG QR code of size x size pixels. The code
// carries nothing but the opaque value.
func QRCode(value string, size int) ([]byte, error) {
	if value == "" {
		return nil, apperr.New(apperr.KindValidation, "token value required")
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(value, qrcode.Medium, size)
}
