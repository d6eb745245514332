package delivery

import "fmt"

// OutcomeKind is the closed set of ways a delivery attempt can end.
type OutcomeKind int

const (
	// Success: the remote accepted the payload (2xx).
	Success OutcomeKind = iota
	// RecoverableFailure: worth retrying (network error, timeout, 429 or 5xx).
	RecoverableFailure
	// PermanentFailure: the recipient rejected the content (4xx other than
	// 429); retrying cannot help.
	PermanentFailure
)

// Outcome is the classified result of one transport invocation.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Reason     string
}

// Dead-letter reasons that do not come from a transport response.
const (
	ReasonServerSuspended = "server-suspended"
	ReasonMaxAttempts     = "max-attempts-exceeded"
)

// ClassifyResult maps a transport result onto the outcome taxonomy.
func ClassifyResult(statusCode int, err error) Outcome {
	if err != nil {
		return Outcome{Kind: RecoverableFailure, Reason: err.Error()}
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return Outcome{Kind: Success, StatusCode: statusCode}
	case statusCode == 429:
		return Outcome{Kind: RecoverableFailure, StatusCode: statusCode, Reason: "http 429"}
	case statusCode >= 400 && statusCode < 500:
		return Outcome{Kind: PermanentFailure, StatusCode: statusCode, Reason: fmt.Sprintf("http %d", statusCode)}
	default:
		return Outcome{Kind: RecoverableFailure, StatusCode: statusCode, Reason: fmt.Sprintf("http %d", statusCode)}
	}
}
