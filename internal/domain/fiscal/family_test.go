package fiscal

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFamily(t *testing.T) {
	tests := []struct {
		code      string
		want      Family
		wantTable string
		wantErr   bool
	}{
		{code: "01", want: FamilyInvoice, wantTable: "invoice_lots"},
		{code: "91", want: FamilyCreditNote, wantTable: "credit_note_lots"},
		{code: "92", want: FamilyDebitNote, wantTable: "debit_note_lots"},
		{code: "99", wantErr: true},
		{code: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f, err := ParseFamily(tt.code)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownFamily))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
			assert.Equal(t, tt.wantTable, f.Table())
		})
	}
}

func TestFamilies(t *testing.T) {
	fams := Families()
	require.Len(t, fams, 3)
	for _, f := range fams {
		assert.True(t, f.Valid())
		assert.NotEqual(t, "unknown", f.Label())
	}
	assert.Equal(t, "unknown", Family("99").Label())
}

func TestLease_Claimable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		lease Lease
		want  bool
	}{
		{"pending", Lease{State: StatePending}, true},
		{"done", Lease{State: StateDone, LeaseExpiresAt: now.Add(time.Minute)}, true},
		{"error", Lease{State: StateError, LeaseExpiresAt: now.Add(time.Minute)}, true},
		{"processing fresh", Lease{State: StateProcessing, LeaseExpiresAt: now.Add(time.Minute)}, false},
		{"processing expired", Lease{State: StateProcessing, LeaseExpiresAt: now.Add(-time.Second)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.lease.Claimable(now))
		})
	}
}

func TestDocument_Eligible(t *testing.T) {
	posted := Document{Kind: "out_refund", State: "posted", Total: decimal.RequireFromString("120.50")}
	f, ok := posted.Family()
	require.True(t, ok)
	assert.Equal(t, FamilyCreditNote, f)
	assert.True(t, posted.Eligible())

	draft := posted
	draft.State = "draft"
	assert.False(t, draft.Eligible())

	vendorBill := Document{Kind: "in_invoice", State: "posted", Total: decimal.NewFromInt(10)}
	assert.False(t, vendorBill.Eligible())

	zero := Document{Kind: "out_invoice", State: "posted", Total: decimal.Zero}
	assert.False(t, zero.Eligible())
}

func TestLeaseState_String(t *testing.T) {
	assert.Equal(t, "PENDING", StatePending.String())
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "UNKNOWN", LeaseState(42).String())
}
