package ot

// Validate checks the structural bounds every operation must respect before it
// is applied.
func Validate(op Operation) error {
	if !op.Type.Valid() {
		return invalid(op, "type", "is not a known operation type")
	}
	if op.Position < 0 {
		return invalid(op, "position", "is negative")
	}
	if op.Length < 0 {
		return invalid(op, "length", "is negative")
	}
	if op.Type == OpInsert && op.Content == "" {
		return invalid(op, "content", "is required for insert")
	}
	return nil
}

// ValidateTransformed additionally rejects a transform that changed the
// operation's type.
func ValidateTransformed(original, transformed Operation) error {
	if original.Type != transformed.Type {
		return invalid(transformed, "type", "changed during transformation")
	}
	return Validate(transformed)
}

func invalid(op Operation, field, reason string) error {
	return &ValidationError{OperationID: op.ID, Field: field, Reason: reason}
}
