package coins

import (
	"errors"
	"testing"
)

func TestNewAccountIDNormalizes(test *testing.T) {
	test.Parallel()
	accountID, err := NewAccountID("  acct-1  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "acct-1" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
	if _, err := NewAccountID("   "); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
}

func TestNewBookingRefValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewBookingRef(""); !errors.Is(err, ErrInvalidBookingRef) {
		test.Fatalf("expected ErrInvalidBookingRef, got %v", err)
	}
	bookingRef := mustBookingRef(test, "booking-1")
	if bookingRef.String() != "booking-1" {
		test.Fatalf("unexpected booking ref: %q", bookingRef.String())
	}
}

func TestNewCoinAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		raw  int64
	}{
		{name: "zero", raw: 0},
		{name: "negative", raw: -5},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := NewCoinAmount(testCase.raw); !errors.Is(err, ErrInvalidAmount) {
				test.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
	amount := mustCoinAmount(test, 25)
	if amount.Int64() != 25 {
		test.Fatalf("expected 25, got %d", amount.Int64())
	}
}

func TestEntryTypeSignedAmount(test *testing.T) {
	test.Parallel()
	amount := mustCoinAmount(test, 40)
	if EntryCharge.SignedAmount(amount) != 40 {
		test.Fatalf("expected charge to credit")
	}
	if EntryPayout.SignedAmount(amount) != 40 {
		test.Fatalf("expected payout to credit")
	}
	if EntryRefund.SignedAmount(amount) != 40 {
		test.Fatalf("expected refund to credit")
	}
	if EntryDeduct.SignedAmount(amount) != -40 {
		test.Fatalf("expected deduct to debit")
	}
}

func TestParseEntryType(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"charge", "deduct", "payout", "refund"} {
		entryType, err := ParseEntryType(raw)
		if err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
		if entryType.String() != raw {
			test.Fatalf("expected %q, got %q", raw, entryType.String())
		}
	}
	if _, err := ParseEntryType("grant"); !errors.Is(err, ErrInvalidEntryType) {
		test.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}

func TestParseEscrowStatus(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"hold", "released", "refunded"} {
		status, err := ParseEscrowStatus(raw)
		if err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
		if status.String() != raw {
			test.Fatalf("expected %q, got %q", raw, status.String())
		}
	}
	if _, err := ParseEscrowStatus("pending"); !errors.Is(err, ErrInvalidEscrowStatus) {
		test.Fatalf("expected ErrInvalidEscrowStatus, got %v", err)
	}
}

func TestNewMetadataJSON(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty metadata to default to {}, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{broken"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestEscrowIdempotencyKeys(test *testing.T) {
	test.Parallel()
	deductKey := deductIdempotencyKey("booking-1")
	payoutKey := payoutIdempotencyKey("booking-1")
	refundKey := refundIdempotencyKey("booking-1")
	if deductKey == payoutKey || payoutKey == refundKey || deductKey == refundKey {
		test.Fatalf("expected distinct keys per movement: %s %s %s", deductKey, payoutKey, refundKey)
	}
	if deductKey != "booking-1:deduct" {
		test.Fatalf("unexpected derived key: %s", deductKey)
	}
	if escrowIdempotencyKey("", "deduct") == escrowIdempotencyKey("", "deduct") {
		test.Fatalf("expected random fallback keys to differ")
	}
}
