package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-settlement/internal/database"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/tickets/db"
	"ms-settlement/internal/tickets/qr"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrAlreadyScanned = errors.New("ticket already scanned")
	ErrTicketNotValid = errors.New("ticket is not valid for entry")
	ErrInvalidQR      = errors.New("invalid QR code")
	ErrNoQRCode       = errors.New("ticket has no QR code yet")
)

type DBLayer interface {
	GetTicketByNumber(ctx context.Context, ticketNumber string) (*models.Ticket, error)
	MarkScanned(ctx context.Context, ticketNumber string, at time.Time) (bool, error)
	SaveQRCode(ctx context.Context, ticketID string, png []byte) error
	GetTierCounts(ctx context.Context, tierID string) (*db.TierCounts, error)
}

type QRCodec interface {
	GenerateTicketQR(ticket models.Ticket) ([]byte, error)
	DecryptQRData(token string) (*qr.Payload, error)
}

type TicketService struct {
	DB  DBLayer
	QR  QRCodec
	Log *logger.Logger
}

func NewTicketService(d DBLayer, codec QRCodec, log *logger.Logger) *TicketService {
	return &TicketService{DB: d, QR: codec, Log: log}
}

func (s *TicketService) GetTicket(ctx context.Context, ticketNumber string) (*models.Ticket, error) {
	ticket, err := s.DB.GetTicketByNumber(ctx, strings.TrimSpace(ticketNumber))
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", ticketNumber, err)
	}
	return ticket, nil
}

// QRCode returns the ticket's PNG. A ticket whose QR side effect failed at
// settlement gets one generated and stored now.
func (s *TicketService) QRCode(ctx context.Context, ticketNumber string) ([]byte, error) {
	ticket, err := s.GetTicket(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	if len(ticket.QRCode) > 0 {
		return ticket.QRCode, nil
	}
	if s.QR == nil {
		return nil, ErrNoQRCode
	}

	png, err := s.QR.GenerateTicketQR(*ticket)
	if err != nil {
		return nil, fmt.Errorf("generate QR for %s: %w", ticket.TicketNumber, err)
	}
	if err := s.DB.SaveQRCode(ctx, ticket.ID, png); err != nil {
		s.Log.Warn("TICKETS", fmt.Sprintf("Failed to store regenerated QR for %s: %v", ticket.TicketNumber, err))
	}
	return png, nil
}

type ScanRequest struct {
	EncryptedQR  string `json:"encrypted_qr"`
	TicketNumber string `json:"ticket_number"`
}

// Scan admits a ticket once. The QR token wins over a typed ticket number.
func (s *TicketService) Scan(ctx context.Context, req ScanRequest, scannerID string) (*models.Ticket, error) {
	number := strings.TrimSpace(req.TicketNumber)
	if req.EncryptedQR != "" {
		if s.QR == nil {
			return nil, ErrInvalidQR
		}
		payload, err := s.QR.DecryptQRData(req.EncryptedQR)
		if err != nil {
			s.Log.LogSecurity("INVALID_QR", fmt.Sprintf("scanner %s presented an unreadable QR", scannerID))
			return nil, ErrInvalidQR
		}
		number = payload.TicketNumber
	}
	if number == "" {
		return nil, ErrTicketNotFound
	}

	ok, err := s.DB.MarkScanned(ctx, number, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	ticket, err := s.GetTicket(ctx, number)
	if err != nil {
		return nil, err
	}
	if ok {
		s.Log.Info("TICKETS", fmt.Sprintf("✅ %s admitted by %s", number, scannerID))
		return ticket, nil
	}
	if ticket.Status != models.TicketValid {
		return ticket, ErrTicketNotValid
	}
	return ticket, ErrAlreadyScanned
}
