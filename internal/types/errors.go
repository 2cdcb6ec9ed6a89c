package types

// Error codes of the REST API. The prefix names the resource, the suffix the
// failure class.
const (
	CodeMappingNotFound    = "MAPPING_404"
	CodeMappingInvalid     = "MAPPING_400"
	CodeMappingBind        = "MAPPING_BIND"
	CodeMappingPersistence = "MAPPING_500"

	CodePVNotFound = "PV_404"
	CodePVInvalid  = "PV_400"
	CodePVWrite    = "PV_PUT"

	CodeBridgeStart = "BRIDGE_START"
	CodeBridgeStop  = "BRIDGE_STOP"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse is the envelope of every API error: {"error": {...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds the error envelope. Details carries the wrapped
// bridge error text or the offending name and is omitted when nil.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// NewErrorFrom builds the envelope from an error, using its text as details.
func NewErrorFrom(code, message string, err error) ErrorResponse {
	var details any
	if err != nil {
		details = err.Error()
	}
	return NewErrorResponse(code, message, details)
}
