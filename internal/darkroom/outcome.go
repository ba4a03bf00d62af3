package darkroom

// Outcome classifies one generation attempt.
type Outcome int

const (
	// OutcomeSuccess: image decoded, written and verified non-empty.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited: the API signalled to slow down; retried after the
	// rate-limit cooldown on top of the standard retry delay.
	OutcomeRateLimited
	// OutcomeAPIError: any other API-level or transport failure.
	OutcomeAPIError
	// OutcomeDecodeError: the response carried no decodable image payload.
	OutcomeDecodeError
	// OutcomeEmptyImage: the image file ended up missing or zero bytes.
	OutcomeEmptyImage
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAPIError:
		return "api_error"
	case OutcomeDecodeError:
		return "decode_error"
	case OutcomeEmptyImage:
		return "empty_image"
	}
	return "unknown"
}

// Retryable reports whether the slot may be attempted again after o.
func (o Outcome) Retryable() bool {
	return o != OutcomeSuccess
}
