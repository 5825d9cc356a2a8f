package types

type RecordStatus string

const (
	StatusReceived   RecordStatus = "RECEIVED"
	StatusDecrypted  RecordStatus = "DECRYPTED"
	StatusProcessing RecordStatus = "PROCESSING"
	StatusProcessed  RecordStatus = "PROCESSED"
	StatusEncrypted  RecordStatus = "ENCRYPTED"
	StatusSent       RecordStatus = "SENT"
	StatusError      RecordStatus = "ERROR"
)

// EncryptionAES is the only encryptionType the execution node accepts.
const EncryptionAES = "AES"

type ExecuteRequest struct {
	EncryptedPrompt string `json:"encryptedPrompt"`
	EncryptionType  string `json:"encryptionType"`
	Timestamp       int64  `json:"timestamp"`
	RequestID       string `json:"requestId"`
}

type ExecuteResponse struct {
	Status          string       `json:"status"`
	Message         string       `json:"message"`
	RequestID       string       `json:"requestId"`
	RecordStatus    RecordStatus `json:"recordStatus"`
	Duplicate       bool         `json:"duplicate"`
	EncryptedLength int          `json:"encryptedLength"`
	DecryptedLength int          `json:"decryptedLength"`
	ElapsedMs       int64        `json:"elapsedMs"`
}

// Record is the externally visible view of a stored record. Plaintext is
// never exposed.
type Record struct {
	ID           string       `json:"id"`
	Status       RecordStatus `json:"status"`
	HasResult    bool         `json:"hasResult"`
	Error        *string      `json:"error,omitempty"`
	ClaimedBy    *string      `json:"claimedBy,omitempty"`
	ClaimExpiry  *string      `json:"claimExpiry,omitempty"`
	ReceivedTime string       `json:"receivedTime"`
	CreatedAt    string       `json:"createdAt"`
	UpdatedAt    string       `json:"updatedAt"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Status: "error", Message: message}
}
