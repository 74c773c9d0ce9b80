// Package control carries the host↔kernel request/response protocol over a
// local stream: newline-delimited JSON envelopes on a unix socket or an
// in-process pipe. The concrete network transport beyond that is an external
// collaborator.
package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ProtocolVersion is the envelope version.
const ProtocolVersion = 1

// Commands the kernel accepts.
const (
	CmdJournalHead   = "journal-head"
	CmdPutBlob       = "put-blob"
	CmdSnapshot      = "snapshot"
	CmdShutdown      = "shutdown"
	CmdSubmitEvent   = "submit-event"
	CmdSubmitReceipt = "submit-receipt"
	CmdGetState      = "get-state"
)

// Request is the client envelope.
type Request struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Cmd     string          `json:"cmd"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the server envelope.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the structured failure payload.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds an envelope with a fresh id.
func NewRequest(cmd string, payload interface{}) (*Request, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("control: encode payload: %w", err)
		}
		raw = b
	}
	return &Request{V: ProtocolVersion, ID: uuid.NewString(), Cmd: cmd, Payload: raw}, nil
}

// MintToken issues a short-lived HS256 bearer token for the control socket.
func MintToken(secret string, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("control: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks an HS256 bearer token.
func VerifyToken(secret, tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
	if err != nil {
		return fmt.Errorf("control: token invalid: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("control: token invalid")
	}
	return nil
}
