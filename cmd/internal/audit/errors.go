package audit

import "errors"

var (
	ErrInvalidInput  = errors.New("audit: invalid input")
	ErrInvalidSchema = errors.New("audit: invalid schema identifier")
)
