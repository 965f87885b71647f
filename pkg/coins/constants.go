package coins

const (
	operationCharge  = "charge"
	operationDeduct  = "deduct"
	operationPayout  = "payout"
	operationRefund  = "refund"
	operationCreate  = "create_escrow"
	operationRelease = "release_escrow"
	operationCancel  = "refund_escrow"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	relatedTypeBooking = "booking"

	idempotencyKeyDelimiter = ":"
	idempotencySuffixDeduct = "deduct"
	idempotencySuffixPayout = "payout"
	idempotencySuffixRefund = "refund"

	// Bounded retries for transactions that fail on lock contention.
	// Business-rule failures are never retried.
	maxConflictRetries = 3

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
