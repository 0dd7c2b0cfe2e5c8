package constants

type contextKey string

const (
	TxKey        contextKey = "tx"
	PoolKey      contextKey = "pool"
	RequestIDKey contextKey = "request_id"
	LoggerKey    contextKey = "logger"
)
