package ledger

// ValidationError rejects malformed input before any row is written.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}
