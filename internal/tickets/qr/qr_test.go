package qr_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-settlement/internal/models"
	"ms-settlement/internal/tickets/qr"
)

func TestNewGenerator_RequiresSecret(t *testing.T) {
	_, err := qr.NewGenerator("")
	assert.Error(t, err)
}

func TestGenerateTicketQR_ProducesPNG(t *testing.T) {
	gen, err := qr.NewGenerator("test-secret")
	require.NoError(t, err)

	png, err := gen.GenerateTicketQR(models.Ticket{TicketNumber: "TKT-0011223344556677", EventID: "evt-1", TierID: "tier-1", ReferencePaymentID: "PAY-001"})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), "expected PNG signature")
}

func TestDecryptQRData_RoundTrip(t *testing.T) {
	gen, err := qr.NewGenerator("test-secret")
	require.NoError(t, err)

	token, err := gen.Encrypt(qr.Payload{TicketNumber: "TKT-A", EventID: "evt-1", Reference: "PAY-001"})
	require.NoError(t, err)

	p, err := gen.DecryptQRData(token)
	require.NoError(t, err)
	assert.Equal(t, "TKT-A", p.TicketNumber)
	assert.Equal(t, "PAY-001", p.Reference)
}

func TestDecryptQRData_RejectsForeignKeyAndGarbage(t *testing.T) {
	gen, _ := qr.NewGenerator("test-secret")
	other, _ := qr.NewGenerator("other-secret")

	token, err := other.Encrypt(qr.Payload{TicketNumber: "TKT-A"})
	require.NoError(t, err)

	_, err = gen.DecryptQRData(token)
	assert.ErrorIs(t, err, qr.ErrInvalidCode)

	_, err = gen.DecryptQRData("not base64 !!")
	assert.ErrorIs(t, err, qr.ErrInvalidCode)

	_, err = gen.DecryptQRData("")
	assert.ErrorIs(t, err, qr.ErrInvalidCode)
}
