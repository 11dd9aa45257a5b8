package session

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// encodeChallenge renders the raw pairing token as a PNG data URL, the same
// transmittable form browsers can drop straight into an <img> tag.
func encodeChallenge(raw string) (string, error) {
	png, err := qrcode.Encode(raw, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
