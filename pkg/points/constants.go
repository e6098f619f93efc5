package points

const (
	operationCharge  = "charge"
	operationCredit  = "credit"
	operationConvert = "convert"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultMaxWriteAttempts = 5
)
