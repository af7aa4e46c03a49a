package signup

import "testing"

func TestFormValues(t *testing.T) {
	form := NewForm(
		Field{Name: "a", Value: "1"},
		Field{Name: "b", Value: "2"},
	)

	values := form.Values()
	if len(values) != 2 || values["a"] != "1" || values["b"] != "2" {
		t.Errorf("Values() = %v, want {a:1 b:2}", values)
	}
}

func TestFormDuplicateNamesLastWins(t *testing.T) {
	form := NewForm()
	form.Add("email", "first@example.com")
	form.Add("plan", "basic")
	form.Add("email", "second@example.com")

	values := form.Values()
	if values["email"] != "second@example.com" {
		t.Errorf("duplicate name resolved to %q, want the last value", values["email"])
	}

	fields := form.Fields()
	if len(fields) != 3 {
		t.Fatalf("Fields() length = %d, want 3 (order preserved)", len(fields))
	}
	if fields[0].Value != "first@example.com" || fields[2].Value != "second@example.com" {
		t.Errorf("field order not preserved: %v", fields)
	}
}
