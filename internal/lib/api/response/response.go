package response

import (
	"encoding/json"
	"errors"
	"net/http"
)

const (
	MsgUnauthenticated = "unauthenticated"
	MsgForbidden       = "forbidden"
	MsgInternal        = "internal error"
)

type ErrorBody struct {
	Error string `json:"error"`
}

type OK struct {
	Success bool `json:"success"`
}

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, ErrorBody{Error: msg})
}

func Success(w http.ResponseWriter) {
	JSON(w, http.StatusOK, OK{Success: true})
}

// DecodeJSON decodes the request body into dest, rejecting unknown fields.
func DecodeJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}
