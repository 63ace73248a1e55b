// Package reservation defines the reservation references handled by the bundler
// and the per-reservation outcomes produced by a batch run.
package reservation

import (
	"fmt"
	"strings"
	"unicode"
)

// Ref identifies one reservation in the PMS.
type Ref struct {
	// HotelCode is the PMS hotel code (htl_code).
	HotelCode string `json:"htl_code"`

	// ReservationID is the PMS reservation number (res_id).
	ReservationID string `json:"res_id"`
}

// String returns the "hotel-reservation" form used in logs and headers.
func (r Ref) String() string {
	return r.HotelCode + "-" + r.ReservationID
}

// Filename returns the archive entry name for the reservation document.
//
// Example:
//
//	Ref{HotelCode: "H1", ReservationID: "99"}.Filename() // "H1-99.pdf"
func (r Ref) Filename() string {
	return r.String() + ".pdf"
}

// Validate checks that both identifiers are present and safe to use as part
// of an archive entry name and an upstream query.
func (r Ref) Validate() error {
	if err := validateIdentifier("htl_code", r.HotelCode); err != nil {
		return err
	}
	return validateIdentifier("res_id", r.ReservationID)
}

func validateIdentifier(field, value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return fmt.Errorf("%s is required", field)
	case strings.TrimSpace(value) != value:
		return fmt.Errorf("%s must not have leading or trailing whitespace", field)
	case strings.ContainsAny(value, `/\`):
		return fmt.Errorf("%s must not contain path separators", field)
	case strings.Contains(value, ".."):
		return fmt.Errorf("%s must not contain \"..\"", field)
	case strings.IndexFunc(value, unicode.IsControl) >= 0:
		return fmt.Errorf("%s must not contain control characters", field)
	}
	return nil
}

// Outcome is the result of fetching the document for one Ref.
// A successful outcome has a nil Err and carries the document bytes.
type Outcome struct {
	Ref      Ref
	Filename string
	Data     []byte
	Err      error
}

// Success builds a successful outcome for ref.
func Success(ref Ref, data []byte) Outcome {
	return Outcome{Ref: ref, Filename: ref.Filename(), Data: data}
}

// Failure builds a failed outcome for ref.
func Failure(ref Ref, err error) Outcome {
	if err == nil {
		err = fmt.Errorf("unknown failure")
	}
	return Outcome{Ref: ref, Err: err}
}

// Succeeded reports whether the document was retrieved.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Reason returns the failure message, or "" for a success.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Result holds one outcome per input Ref, in input order.
type Result struct {
	Outcomes []Outcome
}

// Successes returns the successful outcomes in input order.
func (r Result) Successes() []Outcome {
	out := make([]Outcome, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// Failures returns the failed outcomes in input order.
func (r Result) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// Counts returns the number of succeeded and failed outcomes.
func (r Result) Counts() (succeeded, failed int) {
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
