package llm

import (
	"errors"
	"fmt"
)

// Category classifies a failed LLM attempt.
type Category string

const (
	ConnectionTimeout  Category = "CONNECTION_TIMEOUT"
	ReadTimeout        Category = "READ_TIMEOUT"
	NetworkUnreachable Category = "NETWORK_UNREACHABLE"
	ConnectionRefused  Category = "CONNECTION_REFUSED"
	SSLError           Category = "SSL_ERROR"
	HTTPClientError    Category = "HTTP_CLIENT_ERROR"
	HTTPServerError    Category = "HTTP_SERVER_ERROR"
	ResourceAccess     Category = "RESOURCE_ACCESS_ERROR"
	OutOfMemory        Category = "OUT_OF_MEMORY_ERROR"
	ThreadInterrupted  Category = "THREAD_INTERRUPTED"
	JSONParseError     Category = "JSON_PARSE_ERROR"
	GenericError       Category = "GENERIC_ERROR"
)

func (c Category) Retryable() bool {
	switch c {
	case ConnectionTimeout, ReadTimeout, NetworkUnreachable, ConnectionRefused,
		HTTPServerError, ResourceAccess, GenericError:
		return true
	}
	return false
}

// TransportError is the only failure shape the retry policy looks at.
// Backends classify at their boundary; anything else counts as
// GenericError.
type TransportError struct {
	Category   Category
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

func CategoryOf(err error) Category {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Category
	}
	return GenericError
}

var recoveryHints = map[Category]string{
	ConnectionTimeout:  "Check that the LLM endpoint is reachable and consider raising the connect timeout.",
	ReadTimeout:        "The model is slow to answer; raise the read timeout or shorten the prompt.",
	NetworkUnreachable: "Verify DNS resolution and routing from the execution node to the LLM host.",
	ConnectionRefused:  "The LLM service is not listening; confirm it is running on the configured port.",
	SSLError:           "Check the endpoint certificate chain and the node's trusted CA bundle.",
	HTTPClientError:    "The request was rejected; verify the API key, model name and request format.",
	HTTPServerError:    "The LLM service failed internally; check its health and logs before retrying.",
	ResourceAccess:     "An I/O error occurred talking to the LLM; inspect network stability.",
	OutOfMemory:        "The response exceeded the size limit; reduce max tokens or raise the limit.",
	ThreadInterrupted:  "The call was cancelled; the node may be shutting down.",
	JSONParseError:     "The LLM returned an unexpected body; confirm the endpoint speaks the chat completions protocol.",
	GenericError:       "Unexpected failure; inspect the execution node logs.",
}

func RecoveryHint(c Category) string {
	if hint, ok := recoveryHints[c]; ok {
		return hint
	}
	return recoveryHints[GenericError]
}
