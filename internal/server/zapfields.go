package server

import (
	"crypto/sha256"
	"encoding/hex"
	"go.uber.org/zap"
)

const (
	sessionIDField = "session-id"
	usernameField  = "username"
	tokenField     = "member-token-hashed"
)

func SessionIDField(sessionID string) zap.Field {
	return zap.String(sessionIDField, sessionID)
}

func UsernameField(username string) zap.Field {
	return zap.String(usernameField, username)
}

func HashedTokenField(token string) zap.Field {
	return zap.String(tokenField, hashed(token))
}

func hashed(s string) string {
	digest := sha256.Sum256([]byte(s))
	return hex.EncodeToString(digest[:])
}
