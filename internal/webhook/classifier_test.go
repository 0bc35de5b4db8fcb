package webhook_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-settlement/internal/models"
	"ms-settlement/internal/webhook"
)

func TestClassify(t *testing.T) {
	tests := map[string]webhook.Kind{
		"charge.success":    webhook.ChargeSuccess,
		" Charge.Success ":  webhook.ChargeSuccess,
		"transfer.success":  webhook.TransferSuccess,
		"transfer.failed":   webhook.TransferFailed,
		"transfer.reversed": webhook.TransferReversed,
		"charge.dispute":    webhook.Other,
		"":                  webhook.Other,
	}
	for event, want := range tests {
		assert.Equal(t, want, webhook.Classify(models.WebhookPayload{Event: event}), event)
	}
}

func charge(metadata string) models.PaymentData {
	return models.PaymentData{
		Reference: "PAY-001",
		Amount:    5000,
		Currency:  "ghs",
		Customer:  models.Customer{Email: "buyer@example.com"},
		Metadata:  json.RawMessage(metadata),
	}
}

func TestClassifyCharge_TicketPurchase(t *testing.T) {
	got, err := webhook.ClassifyCharge(charge(`{"type":"ticket_purchase","event_id":"evt-1","tier_id":"tier-1","guest_name":" Esi ","reseller_code":"AMA","amount":1}`))

	require.NoError(t, err)
	assert.Equal(t, webhook.TicketPurchase{
		Reference:    "PAY-001",
		Amount:       5000,
		Currency:     "GHS",
		Email:        "buyer@example.com",
		EventID:      "evt-1",
		TierID:       "tier-1",
		GuestName:    "Esi",
		ResellerCode: "AMA",
	}, got)
	assert.Equal(t, "PAY-001", webhook.ReferenceOf(got))
}

func TestClassifyCharge_StringEncodedMetadata(t *testing.T) {
	got, err := webhook.ClassifyCharge(charge(`"{\"event_id\":\"evt-1\",\"candidate_id\":\"cand-1\",\"vote_count\":\"3\"}"`))

	require.NoError(t, err)
	vote, ok := got.(webhook.VotePurchase)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "cand-1", vote.CandidateID)
	assert.Equal(t, 3, vote.VoteCount)
}

func TestClassifyCharge_VoteCountDefaultsToOne(t *testing.T) {
	got, err := webhook.ClassifyCharge(charge(`{"type":"VOTE","event_id":"evt-1","candidate_id":"cand-1"}`))

	require.NoError(t, err)
	assert.Equal(t, 1, got.(webhook.VotePurchase).VoteCount)
}

func TestClassifyCharge_Unhandled(t *testing.T) {
	tests := []struct {
		name     string
		metadata string
	}{
		{"no metadata", ``},
		{"null metadata", `null`},
		{"empty string metadata", `""`},
		{"both tier and candidate", `{"tier_id":"tier-1","candidate_id":"cand-1"}`},
		{"unknown type", `{"type":"DONATION","event_id":"evt-1"}`},
		{"ticket without tier", `{"type":"TICKET_PURCHASE","event_id":"evt-1"}`},
		{"vote without candidate", `{"type":"VOTE","event_id":"evt-1"}`},
		{"negative votes", `{"candidate_id":"cand-1","vote_count":-2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := webhook.ClassifyCharge(charge(tt.metadata))

			require.NoError(t, err)
			u, ok := got.(webhook.Unhandled)
			require.True(t, ok, "got %T", got)
			assert.Equal(t, "PAY-001", u.Reference)
			assert.NotEmpty(t, u.Reason)
		})
	}
}

func TestClassifyCharge_UnreadableMetadata(t *testing.T) {
	for _, metadata := range []string{`42`, `"not json"`, `{"candidate_id":"c","vote_count":1.5}`, `{"candidate_id":"c","vote_count":true}`} {
		_, err := webhook.ClassifyCharge(charge(metadata))
		assert.Error(t, err, metadata)
	}
}

func TestInferType(t *testing.T) {
	assert.Equal(t, webhook.TypeVote, webhook.InferType(webhook.TypeVote, "tier-1", ""))
	assert.Equal(t, webhook.TypeTicketPurchase, webhook.InferType("", "tier-1", ""))
	assert.Equal(t, webhook.TypeVote, webhook.InferType("", "", "cand-1"))
	assert.Empty(t, webhook.InferType("", "tier-1", "cand-1"))
	assert.Empty(t, webhook.InferType("", "", ""))
}
