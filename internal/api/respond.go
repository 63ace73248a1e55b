package api

import (
	"encoding/json"
	"net/http"
)

// errorResponse is the JSON body of every error response.
type errorResponse struct {
	Error    string          `json:"error"`
	Failures []failureDetail `json:"failures,omitempty"`
}

type failureDetail struct {
	HotelCode     string `json:"htl_code"`
	ReservationID string `json:"res_id"`
	Reason        string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
