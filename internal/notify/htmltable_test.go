package notify

import (
	"strings"
	"testing"
)

func TestHTMLTablePreservesKeyOrder(t *testing.T) {
	raw := []byte(`{"name":"providers/p/accounts/a-1","state":"ACTIVE","approvals":[{"name":"signup","state":"PENDING"}]}`)
	got := HTMLTable(raw)

	nameAt := strings.Index(got, "<th>name</th>")
	stateAt := strings.Index(got, "<th>state</th>")
	if nameAt < 0 || stateAt < 0 || nameAt > stateAt {
		t.Errorf("keys out of document order:\n%s", got)
	}
	if !strings.Contains(got, "<td>providers/p/accounts/a-1</td>") {
		t.Errorf("missing scalar cell:\n%s", got)
	}
	if !strings.Contains(got, "<ul><li><table") {
		t.Errorf("array of objects not rendered as list of tables:\n%s", got)
	}
}

func TestHTMLTableEscapesValues(t *testing.T) {
	got := HTMLTable([]byte(`{"note":"<script>alert(1)</script>"}`))
	if strings.Contains(got, "<script>") {
		t.Errorf("value not escaped:\n%s", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") {
		t.Errorf("expected escaped value:\n%s", got)
	}
}

func TestHTMLTableEmptyInput(t *testing.T) {
	if got := HTMLTable(nil); got != "" {
		t.Errorf("HTMLTable(nil) = %q, want empty", got)
	}
}
