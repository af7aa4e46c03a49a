package marketplace

import "testing"

func TestAccountApproved(t *testing.T) {
	cases := []struct {
		name    string
		account Account
		want    bool
	}{
		{
			name: "signup approved",
			account: Account{Approvals: []Approval{
				{Name: "signup", State: ApprovalStateApproved},
			}},
			want: true,
		},
		{
			name: "signup pending",
			account: Account{Approvals: []Approval{
				{Name: "signup", State: ApprovalStatePending},
			}},
			want: false,
		},
		{
			name:    "no approvals",
			account: Account{},
			want:    false,
		},
		{
			name: "unrelated approval only",
			account: Account{Approvals: []Approval{
				{Name: "billing", State: ApprovalStateApproved},
			}},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.account.Approved(); got != tc.want {
				t.Errorf("Approved() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResourceIDs(t *testing.T) {
	a := Account{Name: "providers/demo-project/accounts/12345"}
	if got := a.ID(); got != "12345" {
		t.Errorf("account ID = %q, want 12345", got)
	}

	e := Entitlement{
		Name:    "providers/demo-project/entitlements/abcd-ef",
		Account: "providers/demo-project/accounts/12345",
	}
	if got := e.ID(); got != "abcd-ef" {
		t.Errorf("entitlement ID = %q, want abcd-ef", got)
	}
	if got := e.AccountID(); got != "12345" {
		t.Errorf("entitlement AccountID = %q, want 12345", got)
	}
}

func TestProductPrefix(t *testing.T) {
	e := Entitlement{Product: "my-product.endpoints.demo.cloud.goog"}
	if got := e.ProductPrefix(); got != "my-product" {
		t.Errorf("ProductPrefix = %q, want my-product", got)
	}

	e.Product = "bare"
	if got := e.ProductPrefix(); got != "bare" {
		t.Errorf("ProductPrefix = %q, want bare", got)
	}
}

func TestNormalizeFilterState(t *testing.T) {
	if got := NormalizeFilterState("ACTIVE"); got != "ACTIVE" {
		t.Errorf("known state normalized to %q", got)
	}
	// The default is intentionally not part of the console filter list; it
	// and anything unknown collapse to the default.
	if got := NormalizeFilterState("ACTIVATION_REQUESTED"); got != DefaultFilterState {
		t.Errorf("default state normalized to %q", got)
	}
	if got := NormalizeFilterState("NOT_A_STATE"); got != DefaultFilterState {
		t.Errorf("unknown state normalized to %q", got)
	}
}
