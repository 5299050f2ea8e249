package errs

import (
	"errors"
	"fmt"
	"time"
)

// templates maps error codes to user-visible message templates, keyed
// by language tag. Unknown codes fall back to the English template for
// CodeInternal; unknown languages fall back to English.
var templates = map[string]map[Code]string{
	"en": {
		CodeInternal:          "Something went wrong on our side. Please try again.",
		CodeTimeout:           "The request timed out. Please try again.",
		CodeUnavailable:       "The service is temporarily unavailable.",
		CodeValidation:        "That request was invalid: %s",
		CodeUnauthorized:      "You are not allowed to use this bot here.",
		CodeForbidden:         "You do not have permission to do that.",
		CodeElevationRequired: "This action needs elevated access. Use /elevated on first.",
		CodeLocked:            "The bot is currently locked: %s",
		CodeNotFound:          "Not found.",
		CodeConflict:          "That conflicts with the current state. Please retry.",
		CodeRateLimited:       "You are sending messages too fast. Try again in %s.",
		CodeExecutorFailure:   "The assistant could not process that. Please retry shortly.",
		CodeLLMError:          "The assistant backend had a problem. Please retry shortly.",
		CodeCommandFailure:    "The command failed: %s",
	},
}

// UserMessage renders the user-visible text for an error in the given
// language. The output never contains internal details beyond what the
// templates interpolate.
func UserMessage(err error, lang string) string {
	code := CodeOf(err)
	table, ok := templates[lang]
	if !ok {
		table = templates["en"]
	}
	tmpl, ok := table[code]
	if !ok {
		tmpl, ok = templates["en"][code]
		if !ok {
			return fmt.Sprintf("error %d", code)
		}
	}

	var te *Error
	switch code {
	case CodeRateLimited:
		d := RetryAfter(err)
		if d <= 0 {
			d = time.Second
		}
		return fmt.Sprintf(tmpl, d.Round(time.Second))
	case CodeValidation, CodeLocked, CodeCommandFailure:
		detail := ""
		if errors.As(err, &te) {
			if m, ok := te.Details["message"].(string); ok {
				detail = m
			} else if m, ok := te.Details["command"].(string); ok {
				detail = m
			} else {
				detail = te.Message
			}
		}
		return fmt.Sprintf(tmpl, detail)
	default:
		return tmpl
	}
}
