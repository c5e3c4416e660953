package facilitator

// Invalid/error reason strings returned to callers. These are part of the
// wire contract: the request layer forwards them verbatim, so they stay
// human-readable rather than coded.
const (
	ReasonInvalidPayload     = "invalid payment payload"
	ReasonNotYetValid        = "payment not yet valid"
	ReasonExpired            = "payment has expired"
	ReasonInsufficientAmount = "payment amount is less than required"
	ReasonUnsupportedNetwork = "unsupported network"
	ReasonUnsupportedChain   = "unsupported chain"
	ReasonMissingSignature   = "missing signature"
	ReasonMissingTransaction = "missing transaction"

	ReasonDuplicateSubmission = "duplicate submission: this authorization is already being processed"
	ReasonInsufficientGas     = "facilitator has insufficient native balance for gas"
	ReasonMissingSignerKey    = "private key required for settlement"
)
