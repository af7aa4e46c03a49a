package signup

// Field is one named input captured from the signup form.
type Field struct {
	Name  string
	Value string
}

// Form is the ordered set of inputs a signup page submits. Order matters for
// rendering; the wire encoding is a flat object.
type Form struct {
	fields []Field
}

// NewForm builds a form from fields in page order.
func NewForm(fields ...Field) *Form {
	return &Form{fields: append([]Field(nil), fields...)}
}

// Add appends a field. A repeated name stays in place; Values resolves the
// duplicate.
func (f *Form) Add(name, value string) {
	f.fields = append(f.fields, Field{Name: name, Value: value})
}

// Fields returns the fields in page order.
func (f *Form) Fields() []Field {
	return append([]Field(nil), f.fields...)
}

// Values folds the fields into a name-to-value map. When a name repeats, the
// last value wins.
func (f *Form) Values() map[string]string {
	out := make(map[string]string, len(f.fields))
	for _, field := range f.fields {
		out[field.Name] = field.Value
	}
	return out
}
