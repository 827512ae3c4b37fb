package engine

// ValidationError reports malformed input (bad secret key, missing field).
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ConflictError reports a duplicate key, duplicate membership, a last-owner
// violation, or a version mismatch on an optimistic update.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }
