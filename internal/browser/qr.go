package browser

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/relaybot/relaybot/internal/domain"
)

const qrImageSize = 512

// encodePairingRef renders the pairing reference string the client embeds
// in its QR container into a PNG. Used when the canvas itself cannot be
// captured.
func encodePairingRef(ref string) ([]byte, error) {
	png, err := qrcode.Encode(ref, qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("encode pairing ref: %w", err)
	}
	return png, nil
}

// placeholderArtifact produces a scannable stand-in image telling the
// operator to retry pairing. Pairing extraction must always yield an image.
func placeholderArtifact(key domain.SessionKey) []byte {
	png, err := qrcode.Encode(
		fmt.Sprintf("pairing code unavailable for %s, retry shortly", key),
		qrcode.Medium, qrImageSize,
	)
	if err != nil {
		// qrcode only fails on content too large for the symbol; the
		// message above always fits.
		return nil
	}
	return png
}
