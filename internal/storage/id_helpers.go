package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func newSessionID() (string, error) {
	var buffer [8]byte
	if _, err := rand.Read(buffer[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "ses_" + hex.EncodeToString(buffer[:]), nil
}
