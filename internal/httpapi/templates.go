package httpapi

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"github.com/coleymr/doit-easily-marketplace/internal/marketplace"
	"github.com/coleymr/doit-easily-marketplace/internal/storage"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.New("console").ParseFS(templateFS, "templates/*.html"))

// nav is the breadcrumb context every console page renders.
type nav struct {
	TooltipTitle string
	TooltipURL   string
}

type signupPage struct {
	Token string
}

type entitlementRow struct {
	ID      string
	Account string
	Product string
	Plan    string
	State   string
	Updated string
}

type eventRow struct {
	Received      string
	EventID       string
	EventType     string
	EntitlementID string
	Disposition   string
}

type indexPage struct {
	Nav          nav
	State        string
	States       []string
	Entitlements []entitlementRow
	Events       []eventRow
}

type accountRow struct {
	ID      string
	State   string
	Signup  string
	Created string
}

type accountsPage struct {
	Nav      nav
	Accounts []accountRow
}

type approvalRow struct {
	Name    string
	State   string
	Reason  string
	Updated string
}

type accountPage struct {
	Nav        nav
	Error      string
	ID         string
	Name       string
	State      string
	IsApproved bool
	Created    string
	Updated    string
	Approvals  []approvalRow
}

func renderPage(name string, data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func entitlementRows(entitlements []marketplace.Entitlement) []entitlementRow {
	rows := make([]entitlementRow, 0, len(entitlements))
	for i := range entitlements {
		e := &entitlements[i]
		rows = append(rows, entitlementRow{
			ID:      e.ID(),
			Account: e.AccountID(),
			Product: e.Product,
			Plan:    e.Plan,
			State:   e.State,
			Updated: pageTime(e.UpdateTime),
		})
	}
	return rows
}

func eventRows(records []storage.EventRecord) []eventRow {
	rows := make([]eventRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, eventRow{
			Received:      pageTime(rec.ReceivedAt),
			EventID:       rec.EventID,
			EventType:     rec.EventType,
			EntitlementID: rec.EntitlementID,
			Disposition:   rec.Disposition,
		})
	}
	return rows
}

func accountRows(accounts []marketplace.Account) []accountRow {
	rows := make([]accountRow, 0, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		signupState := ""
		if approval := a.SignupApproval(); approval != nil {
			signupState = approval.State
		}
		rows = append(rows, accountRow{
			ID:      a.ID(),
			State:   a.State,
			Signup:  signupState,
			Created: pageTime(a.CreateTime),
		})
	}
	return rows
}

func accountDetail(a *marketplace.Account) accountPage {
	page := accountPage{
		ID:         a.ID(),
		Name:       a.Name,
		State:      a.State,
		IsApproved: a.Approved(),
		Created:    pageTime(a.CreateTime),
		Updated:    pageTime(a.UpdateTime),
	}
	for _, approval := range a.Approvals {
		page.Approvals = append(page.Approvals, approvalRow{
			Name:    approval.Name,
			State:   approval.State,
			Reason:  approval.Reason,
			Updated: pageTime(approval.UpdateTime),
		})
	}
	return page
}

func pageTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}
