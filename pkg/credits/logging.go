package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credits operation.
type OperationLog struct {
	Operation     string
	UserID        string
	Amount        int64
	EventID       string
	CorrelationID string
	Outcome       string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

type teeOperationLogger struct {
	loggers []OperationLogger
}

func (tee teeOperationLogger) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range tee.loggers {
		logger.LogOperation(ctx, entry)
	}
}

// TeeOperationLoggers fans one operation stream out to several loggers.
func TeeOperationLoggers(loggers ...OperationLogger) OperationLogger {
	kept := make([]OperationLogger, 0, len(loggers))
	for _, logger := range loggers {
		if logger != nil {
			kept = append(kept, logger)
		}
	}
	return teeOperationLogger{loggers: kept}
}
