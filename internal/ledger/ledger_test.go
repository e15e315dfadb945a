package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/storage"
)

func testLedger(t *testing.T) (*Ledger, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, zap.NewNop()), db
}

func fund(t *testing.T, db *storage.DB, wallet, balance string) {
	t.Helper()
	if err := db.EnsureAccount(wallet, balance, time.Now().Unix()); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
}

func TestDeductValidationRules(t *testing.T) {
	l, db := testLedger(t)
	fund(t, db, "w1", "10")

	tests := []struct {
		name   string
		amount string
		want   fault.Kind
	}{
		{"below minimum", "0.0005", fault.KindValidation},
		{"zero", "0", fault.KindValidation},
		{"negative", "-1", fault.KindValidation},
		{"malformed", "one.five", fault.KindValidation},
		{"too many decimals", "0.123456789", fault.KindValidation},
		{"exceeds balance", "10.5", fault.KindInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Deduct("w1", tt.amount, ReasonDeductUser)
			if fault.KindOf(err) != tt.want {
				t.Errorf("Deduct(%q) kind = %v, want %v (err: %v)", tt.amount, fault.KindOf(err), tt.want, err)
			}
		})
	}

	// Nothing above should have appended a ledger entry.
	entries, total, err := l.Entries("w1", 1, 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if total != 0 || len(entries) != 0 {
		t.Errorf("rejected deductions wrote %d ledger entries", total)
	}
}

func TestDeductAppliesBalanceAndLedger(t *testing.T) {
	l, db := testLedger(t)
	fund(t, db, "w1", "10")

	newBal, err := l.Deduct("w1", "1.5", ReasonDeductUser)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if newBal.String() != "8.5" {
		t.Errorf("new balance = %s, want 8.5", newBal)
	}

	bal, err := l.Balance("w1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.String() != "8.5" {
		t.Errorf("stored balance = %s, want 8.5", bal)
	}

	entries, total, err := l.Entries("w1", 1, 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want exactly 1", total)
	}
	if entries[0].Amount != "1.5" || entries[0].Reason != ReasonDeductUser {
		t.Errorf("entry = %+v, want amount 1.5 reason %s", entries[0], ReasonDeductUser)
	}
}

func TestDeductEightDecimalPlacesAllowed(t *testing.T) {
	l, db := testLedger(t)
	fund(t, db, "w1", "1")

	if _, err := l.Deduct("w1", "0.00100001", ReasonDeductUser); err != nil {
		t.Errorf("8-decimal amount rejected: %v", err)
	}
}

func TestDeductUnknownWallet(t *testing.T) {
	l, _ := testLedger(t)

	_, err := l.Deduct("ghost", "1", ReasonDeductUser)
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("kind = %v, want KindNotFound", fault.KindOf(err))
	}
}

func TestDeductReserve(t *testing.T) {
	l, db := testLedger(t)
	fund(t, db, storage.ReserveWallet, "100")

	newBal, err := l.DeductReserve("2.5")
	if err != nil {
		t.Fatalf("DeductReserve: %v", err)
	}
	if newBal.String() != "97.5" {
		t.Errorf("reserve balance = %s, want 97.5", newBal)
	}

	entries, _, err := l.Entries(storage.ReserveWallet, 1, 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != ReasonDeductPool {
		t.Errorf("reserve entry = %+v, want reason %s", entries, ReasonDeductPool)
	}
}

func TestEntriesPagination(t *testing.T) {
	l, db := testLedger(t)
	fund(t, db, "w1", "100")

	for i := 0; i < 5; i++ {
		if _, err := l.Deduct("w1", "1", ReasonDeductUser); err != nil {
			t.Fatalf("Deduct #%d: %v", i, err)
		}
	}

	entries, total, err := l.Entries("w1", 1, 2)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(entries) != 2 {
		t.Errorf("page size = %d, want 2", len(entries))
	}

	last, _, err := l.Entries("w1", 3, 2)
	if err != nil {
		t.Fatalf("Entries page 3: %v", err)
	}
	if len(last) != 1 {
		t.Errorf("last page size = %d, want 1", len(last))
	}
}
