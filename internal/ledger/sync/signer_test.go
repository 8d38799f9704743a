package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// Reference values computed independently of this package with
// HMAC-SHA256 over the literal strings below.
const (
	refKey       = "s3cr3t-key"
	refUsername  = "operator"
	refTimestamp = "2026-03-01T10:05:00.000Z"

	refPayload = `[{"id":"d-1","amount":500,"currency":"PKR","benefactorName":"Ali Khan","benefactorPhone":"+923001234567","recipient":"operator","category":"zakat","description":"food & water","date":"2026-03-01T10:00:00.000Z"},` +
		`{"id":"d-2","amount":30.5,"currency":"PKR","benefactorName":"Sara","benefactorPhone":"+923001234568","recipient":"operator","category":"charity","date":"2026-03-02T00:00:00.000Z","location":{"latitude":24.86,"longitude":67.01}}]`
	refPushSignature = "3482433b7d1884db5df225c5c57bef9bc2bd8cb489c7daa5477a44fb997f9a34"
	refPullSignature = "dd7f408a8f73b3c1ab324648a6015c4a83a42b4a15865bb7a1cf2cfcaa97864e"
)

func referenceDonations() []*record.Donation {
	d1 := &record.Donation{
		ID:              "d-1",
		Amount:          decimal.RequireFromString("500"),
		Currency:        "PKR",
		BenefactorName:  "Ali Khan",
		BenefactorPhone: "+923001234567",
		Recipient:       "operator",
		Category:        record.DonationZakat,
		Description:     "food & water",
		Date:            time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ReceiptImage:    "never-sent.jpg",
		CreatedAt:       time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
		UpdatedAt:       time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC),
		SyncStatus:      record.StatusPending,
	}
	d2 := &record.Donation{
		ID:              "d-2",
		Amount:          decimal.RequireFromString("30.50"),
		Currency:        "PKR",
		BenefactorName:  "Sara",
		BenefactorPhone: "+923001234568",
		Recipient:       "operator",
		Category:        record.DonationCharity,
		Date:            time.Date(2026, 3, 2, 5, 0, 0, 0, time.FixedZone("PKT", 5*3600)),
		Location:        &record.Location{Latitude: 24.86, Longitude: 67.01},
		SyncStatus:      record.StatusPending,
	}
	return []*record.Donation{d1, d2}
}

func TestCanonicalize_MatchesReferencePayload(t *testing.T) {
	var payload []any
	for _, d := range referenceDonations() {
		payload = append(payload, donationToPayload(d))
	}

	got, err := Canonicalize(payload)
	require.NoError(t, err)
	assert.Equal(t, refPayload, string(got))
	assert.NotContains(t, string(got), "syncStatus")
	assert.NotContains(t, string(got), "createdAt")
	assert.NotContains(t, string(got), "receiptImage")
}

func TestSigner_ReferenceSignatures(t *testing.T) {
	s := NewSigner(refKey)

	assert.Equal(t, refPushSignature, s.SignPayload([]byte(refPayload), refTimestamp, refUsername))
	assert.Equal(t, refPullSignature, s.SignQuery(refUsername, "2026-01-01", refTimestamp))

	// Concatenation order is part of the contract.
	assert.NotEqual(t, refPushSignature, s.SignPayload([]byte(refPayload), refUsername, refTimestamp))
	assert.NotEqual(t, refPushSignature, NewSigner("other-key").SignPayload([]byte(refPayload), refTimestamp, refUsername))
}

func TestSigner_BulkBodyEmbedsSignedBytes(t *testing.T) {
	var payload []any
	for _, d := range referenceDonations() {
		payload = append(payload, donationToPayload(d))
	}

	body, err := NewSigner(refKey).BulkBody("donations", payload, refTimestamp, refUsername)
	require.NoError(t, err)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &envelope))

	assert.Equal(t, refPayload, string(envelope["donations"]))
	assert.JSONEq(t, `"`+refPushSignature+`"`, string(envelope["signature"]))
	assert.JSONEq(t, `"`+refTimestamp+`"`, string(envelope["timestamp"]))
	assert.JSONEq(t, `"`+refUsername+`"`, string(envelope["username"]))
}

func TestWireTime_AcceptsServerFormats(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{`"2026-03-01T10:00:00.000Z"`, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{`"2026-03-01T15:00:00+05:00"`, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{`"2026-03-01"`, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		var w wireTime
		require.NoError(t, json.Unmarshal([]byte(tt.in), &w), tt.in)
		assert.True(t, time.Time(w).Equal(tt.want), "%s parsed as %v", tt.in, time.Time(w))
	}

	var w wireTime
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &w))
}

func TestDecodeDonations_MarksSynced(t *testing.T) {
	raw := []byte(`[{"id":"d-9","amount":"75.25","currency":"PKR","benefactorName":"Ali Khan",
		"benefactorPhone":"+923001234567","recipient":"operator","category":"sadaqah",
		"date":"2026-02-10T00:00:00.000Z","createdAt":"2026-02-10T08:00:00.000Z","syncStatus":"pending"}]`)

	recs, err := decodeDonations(raw)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	d := recs[0]
	assert.Equal(t, record.StatusSynced, d.SyncStatus)
	assert.True(t, d.Amount.Equal(decimal.RequireFromString("75.25")))
	assert.Equal(t, time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC), d.CreatedAt)
	assert.Nil(t, d.Location)
	assert.NoError(t, d.Validate())
}

func TestCutoff(t *testing.T) {
	assert.Equal(t, "2026-01-01", Cutoff(time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2025-01-01", Cutoff(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}
