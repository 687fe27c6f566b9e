package textutil

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// SanitizeText strips all markup from free-form user input and trims the
// result. Intended for values that end up inside rendered HTML, such as
// customer names in email templates.
func SanitizeText(value string) string {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strings.TrimSpace(strictPolicy.Sanitize(value))
}
