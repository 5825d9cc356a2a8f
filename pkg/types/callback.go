package types

type CallbackStatus string

const (
	CallbackSuccess    CallbackStatus = "SUCCESS"
	CallbackFailed     CallbackStatus = "FAILED"
	CallbackProcessing CallbackStatus = "PROCESSING"
	CallbackRetrying   CallbackStatus = "RETRYING"
	CallbackPending    CallbackStatus = "PENDING"
)

func (s CallbackStatus) Valid() bool {
	switch s {
	case CallbackSuccess, CallbackFailed, CallbackProcessing, CallbackRetrying, CallbackPending:
		return true
	}
	return false
}

type CallbackMessage struct {
	DataID       string         `json:"dataId"`
	Status       CallbackStatus `json:"status"`
	Result       string         `json:"result,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	RetryCount   int            `json:"retryCount"`
}

type CallbackResponse struct {
	Status         string         `json:"status"`
	Message        string         `json:"message"`
	DataID         string         `json:"dataId"`
	CallbackStatus CallbackStatus `json:"callbackStatus"`
}
