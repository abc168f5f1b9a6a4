// ABOUTME: Flag values: the atomically updated (text, int) pair scoped to an experiment.
// ABOUTME: Nil fields on set mean "leave unchanged"; increment/decrement touch only the int.
package core

// FlagValues is the value pair of a named per-experiment flag. On set,
// a nil field leaves the stored value unchanged; reads return both.
type FlagValues struct {
	TextValue *string `json:"text_value"`
	IntValue  *int64  `json:"int_value"`
}

// Empty reports whether neither field is present.
func (f FlagValues) Empty() bool {
	return f.TextValue == nil && f.IntValue == nil
}

// TextString returns the text value or "" when unset.
func (f FlagValues) TextString() string {
	if f.TextValue == nil {
		return ""
	}
	return *f.TextValue
}

// IntOrZero returns the int value or 0 when unset.
func (f FlagValues) IntOrZero() int64 {
	if f.IntValue == nil {
		return 0
	}
	return *f.IntValue
}

// Text returns a FlagValues setting only the text field.
func Text(s string) FlagValues {
	return FlagValues{TextValue: &s}
}

// Int returns a FlagValues setting only the int field.
func Int(i int64) FlagValues {
	return FlagValues{IntValue: &i}
}

// TextInt returns a FlagValues setting both fields.
func TextInt(s string, i int64) FlagValues {
	return FlagValues{TextValue: &s, IntValue: &i}
}
