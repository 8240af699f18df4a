// Package signaling implements the bidirectional message channel used by
// interactive peers: a JSON envelope protocol over a websocket, carrying
// requests, responses and notifications in both directions.
package signaling

import "encoding/json"

// envelope is the wire format. Exactly one of Request, Response or
// Notification is set.
type envelope struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           uint32          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
}

func newRequest(id uint32, method string, data json.RawMessage) envelope {
	return envelope{Request: true, ID: id, Method: method, Data: data}
}

func newSuccessResponse(id uint32, data json.RawMessage) envelope {
	return envelope{Response: true, ID: id, OK: true, Data: data}
}

func newErrorResponse(id uint32, code int, reason string) envelope {
	return envelope{Response: true, ID: id, ErrorCode: code, ErrorReason: reason}
}

func newNotification(method string, data json.RawMessage) envelope {
	return envelope{Notification: true, Method: method, Data: data}
}
