package protocol

// Request types accepted on the control WebSocket. Each maps to one
// handheld.Service operation.
const (
	WSTypeSelectBackend      = "selectBackend"
	WSTypeFindDevices        = "findDevices"
	WSTypeStopFindingDevices = "stopFindingDevices"
	WSTypeConnect            = "connect"
	WSTypeDisconnect         = "disconnect"
	WSTypeSetMode            = "setMode"
	WSTypeSetPower           = "setPower"
	WSTypeSetTagFocus        = "setTagFocus"
	WSTypeSetTagPopulation   = "setTagPopulation"
	WSTypeSetPrefixFilter    = "setPrefixFilter"
	WSTypeSetTrigger         = "setTrigger"
	WSTypeStartReading       = "startReading"
	WSTypeStopReading        = "stopReading"
	WSTypeAccessRead         = "accessRead"
	WSTypeAccessWrite        = "accessWrite"
	WSTypeStatus             = "status"
	WSTypeError              = "error"
)

// Event types broadcast to every client. They match handheld.EventType.String.
const (
	WSTypeDeviceListUpdated = "deviceListUpdated"
	WSTypeConnected         = "connected"
	WSTypeDisconnected      = "disconnected"
	WSTypeFailed            = "failed"
	WSTypeBatteryLevel      = "batteryLevel"
	WSTypeRFIDRead          = "rfidRead"
	WSTypeBarcodeRead       = "barcodeRead"
	WSTypeTagAccess         = "tagAccess"
	WSTypeTriggerPressed    = "triggerPressed"
	WSTypeTriggerReleased   = "triggerReleased"
	WSTypeOperationFailed   = "operationFailed"
)

// Error codes carried in the payload of an error response.
const (
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeRejected       = "REJECTED"
	ErrCodeNotController  = "NOT_CONTROLLER"
)

// WebSocketMessage is the generic message envelope for WebSocket communication.
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketRequest is for incoming requests from WebSocket clients.
type WebSocketRequest struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WebSocketResponse is for responses to WebSocket requests.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload is the payload of a failed response. Reason is the numeric
// handheld error code when the facade rejected the request.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason int    `json:"reason,omitempty"`
}

// ResponseType is the type of the response to a request of type reqType.
func ResponseType(reqType string) string {
	return reqType + "Response"
}
