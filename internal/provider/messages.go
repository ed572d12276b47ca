package provider

// Gateway-local failure kinds that never reach the provider.
const (
	KindValidationFailed = "validation_failed"
	KindUnauthenticated  = "unauthenticated"
	KindUnauthorized     = "unauthorized"
	KindRateLimited      = "rate_limited"
	KindCircuitOpen      = "circuit_open"
	KindInternal         = "internal_error"
)

var fallbackMessages = map[string]string{
	string(KindInvalidRequest):  "We couldn't process that message. Please rephrase and try again.",
	string(KindAuthentication):  "The assistant is temporarily unavailable. Please try again later.",
	string(KindPermission):      "The assistant is temporarily unavailable. Please try again later.",
	string(KindNotFound):        "The requested model is not available right now.",
	string(KindRequestTooLarge): "That conversation is too long. Please start a new one or shorten your message.",
	string(KindRateLimit):       "We're experiencing high demand. Please try again in a moment.",
	string(KindOverloaded):      "We're experiencing high demand. Please try again in a moment.",
	string(KindNetwork):         "We're having trouble connecting. Please check back shortly.",
	string(KindTimeout):         "The response took too long. Please try again.",
	string(KindAPI):             "Something went wrong while generating a response. Please try again.",
	KindValidationFailed:        "Your message could not be accepted. Please check it and try again.",
	KindUnauthenticated:         "Please sign in to continue.",
	KindUnauthorized:            "You don't have access to that conversation.",
	KindRateLimited:             "You're sending messages too quickly. Please wait a moment.",
	KindCircuitOpen:             "The assistant is temporarily unavailable. Please try again shortly.",
	KindInternal:                "Something went wrong. Please try again.",
}

// FallbackMessage returns the short user-facing text for a failure kind.
// Technical detail belongs in logs, never in this text.
func FallbackMessage(kind string) string {
	if msg, ok := fallbackMessages[kind]; ok {
		return msg
	}
	return fallbackMessages[KindInternal]
}
