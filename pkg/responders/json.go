package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload as a JSON body with the given status. The payload is
// marshaled before the status line is sent, so an encoding failure becomes a
// clean 500 rather than a 200 with a truncated body.
func JSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"internal_error","message":"response encoding failed"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
