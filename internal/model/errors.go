package model

// ValidationError reports malformed caller input: an unknown side, a
// non-positive quantity, an inverted date range. The HTTP layer maps it to
// 400 Bad Request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
