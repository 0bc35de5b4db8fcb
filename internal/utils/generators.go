package utils

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

func GenerateID() string {
	return uuid.NewString()
}

// GenerateReference returns a processor-facing reference such as
// "PAY-3F2A...". Prefixes keep payment and transfer references apart.
func GenerateReference(prefix string) string {
	id := uuid.New()
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(id[:]))
}

// GenerateTicketNumber returns a random ticket number unrelated to the
// payment reference, e.g. "TKT-9C1D03B7E2A4F018".
func GenerateTicketNumber() string {
	id := uuid.New()
	return "TKT-" + strings.ToUpper(hex.EncodeToString(id[:8]))
}
