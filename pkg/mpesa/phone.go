package mpesa

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidPhone is returned for numbers M-Pesa cannot push to.
var ErrInvalidPhone = errors.New("phone number must be a Kenyan mobile number such as 0712345678 or 254712345678")

var msisdnPattern = regexp.MustCompile(`^254(7|1)\d{8}$`)

// NormalizePhone converts local and international Kenyan mobile formats to the
// 2547XXXXXXXX / 2541XXXXXXXX form Daraja expects.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	cleaned = strings.TrimPrefix(cleaned, "+")

	switch {
	case strings.HasPrefix(cleaned, "0") && len(cleaned) == 10:
		cleaned = "254" + cleaned[1:]
	case (strings.HasPrefix(cleaned, "7") || strings.HasPrefix(cleaned, "1")) && len(cleaned) == 9:
		cleaned = "254" + cleaned
	}

	if !msisdnPattern.MatchString(cleaned) {
		return "", ErrInvalidPhone
	}
	return cleaned, nil
}
