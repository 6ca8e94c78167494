package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// normalize turns a raw status + body into a Response. Non-JSON bodies
// become {"message": raw}. Failed responses take their message from the
// body's "message" field, else the raw text, else "HTTP <status>".
func normalize(id string, status int, body []byte) *Response {
	trimmed := bytes.TrimSpace(body)
	result := json.RawMessage(trimmed)
	if len(trimmed) > 0 && !json.Valid(trimmed) {
		wrapped, _ := json.Marshal(map[string]string{"message": string(trimmed)})
		result = wrapped
	}

	if status >= 200 && status < 300 {
		resp := &Response{ID: id, Status: status, OK: true}
		if len(result) > 0 {
			resp.Result = result
		}
		return resp
	}

	message, code := errorDetail(status, result, trimmed)
	return &Response{
		ID:     id,
		Status: status,
		OK:     false,
		Error:  &Error{Message: message, Code: code},
	}
}

func errorDetail(status int, parsed json.RawMessage, raw []byte) (string, string) {
	var body struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if len(parsed) > 0 && json.Unmarshal(parsed, &body) == nil && body.Message != "" {
		return body.Message, body.Code
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text, body.Code
	}
	return fmt.Sprintf("HTTP %d", status), body.Code
}
