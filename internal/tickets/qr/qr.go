package qr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"github.com/skip2/go-qrcode"

	"ms-settlement/internal/models"
)

var ErrInvalidCode = errors.New("invalid or tampered QR code")

// Payload is what a ticket QR encodes. Gate scanners send the encrypted form
// back to be opened server side.
type Payload struct {
	TicketNumber string `json:"ticket_number"`
	EventID      string `json:"event_id"`
	TierID       string `json:"tier_id"`
	Reference    string `json:"reference"`
}

type Generator struct {
	aead cipher.AEAD
}

func NewGenerator(secret string) (*Generator, error) {
	if secret == "" {
		return nil, errors.New("QR secret key is empty")
	}
	key := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Generator{aead: aead}, nil
}

// GenerateTicketQR returns a 256px PNG holding the encrypted payload.
func (g *Generator) GenerateTicketQR(ticket models.Ticket) ([]byte, error) {
	token, err := g.Encrypt(Payload{
		TicketNumber: ticket.TicketNumber,
		EventID:      ticket.EventID,
		TierID:       ticket.TierID,
		Reference:    ticket.ReferencePaymentID,
	})
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(token, qrcode.Medium, 256)
}

func (g *Generator) Encrypt(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, g.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := g.aead.Seal(nonce, nonce, data, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// DecryptQRData opens a scanned token.
func (g *Generator) DecryptQRData(token string) (*Payload, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCode
	}
	n := g.aead.NonceSize()
	if len(raw) < n {
		return nil, ErrInvalidCode
	}
	data, err := g.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return nil, ErrInvalidCode
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil || p.TicketNumber == "" {
		return nil, ErrInvalidCode
	}
	return &p, nil
}
