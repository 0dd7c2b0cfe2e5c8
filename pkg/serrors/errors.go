package serrors

import "errors"

// BaseError is a coded error that can be matched with errors.Is and rendered
// to API clients by its code.
type BaseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	LocaleKey string `json:"-"`
}

func NewError(code, message, localeKey string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		LocaleKey: localeKey,
	}
}

func (e *BaseError) Error() string {
	return e.Message
}

// CodeOf returns the code of the first BaseError in err's chain, or "".
func CodeOf(err error) string {
	var base *BaseError
	if errors.As(err, &base) {
		return base.Code
	}
	return ""
}
