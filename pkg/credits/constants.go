package credits

const (
	operationConsume       = "consume"
	operationFund          = "fund"
	operationBeginPurchase = "begin_purchase"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// Transactions that fail with ErrTransientStore are retried this many
	// times before the failure is surfaced to the caller.
	maxTxAttempts = 3
)
