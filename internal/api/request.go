package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Sternrassler/pms-bundler/pkg/reservation"
)

// ValidationError describes a malformed bundle request.
type ValidationError struct {
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// bundleRequest is the JSON body accepted by the bundle endpoint.
type bundleRequest struct {
	ReservationIDs json.RawMessage `json:"reservationIds"`
}

// parseBundleRequest decodes and validates a bundle request body.
func parseBundleRequest(body io.Reader) ([]reservation.Ref, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, invalid("read request body: %v", err)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, invalid("request body must be a JSON object")
	}

	var req bundleRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, invalid("invalid json: %v", err)
	}

	ids := bytes.TrimSpace(req.ReservationIDs)
	if len(ids) == 0 || bytes.Equal(ids, []byte("null")) {
		return nil, invalid("reservationIds is required")
	}
	if ids[0] != '[' {
		return nil, invalid("reservationIds must be an array")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(ids, &items); err != nil {
		return nil, invalid("reservationIds must be an array: %v", err)
	}
	if len(items) == 0 {
		return nil, invalid("reservationIds must not be empty")
	}

	refs := make([]reservation.Ref, 0, len(items))
	for i, item := range items {
		var ref reservation.Ref
		if err := json.Unmarshal(item, &ref); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) && typeErr.Field != "" {
				return nil, invalid("reservationIds[%d]: %s must be a string", i, typeErr.Field)
			}
			return nil, invalid("reservationIds[%d] must be an object", i)
		}
		if err := ref.Validate(); err != nil {
			return nil, invalid("reservationIds[%d]: %v", i, err)
		}
		refs = append(refs, ref)
	}

	return refs, nil
}
