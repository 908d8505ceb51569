package model

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// InvalidMetaDataError describes a single rejected envelope field. The
// HTTP layer serializes it into the 422 response body so clients can see
// which field to fix.
type InvalidMetaDataError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *InvalidMetaDataError) Error() string {
	return fmt.Sprintf("invalid metadata field %q: %s", e.Field, e.Reason)
}

var validate = newValidator()

// newValidator builds the validator and makes it report JSON field names
// instead of Go struct names, so error bodies match the wire format.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks all envelope invariants. It returns an
// *InvalidMetaDataError naming the first offending field, or nil.
func (m *RequestMetaData) Validate() error {
	if err := runStructValidation(m); err != nil {
		return err
	}
	return m.validateSemantics()
}

// Validate checks the attachment envelope, including the shared
// measurement fields.
func (m *AttachmentMetaData) Validate() error {
	if err := runStructValidation(m); err != nil {
		return err
	}
	if !m.FileType.Valid() || m.FileType == FileTypeMeasurement {
		return &InvalidMetaDataError{Field: "fileType", Reason: fmt.Sprintf("unknown attachment file type %q", m.FileType)}
	}
	return m.validateSemantics()
}

func runStructValidation(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return &InvalidMetaDataError{Field: "-", Reason: err.Error()}
	}
	first := errs[0]
	return &InvalidMetaDataError{
		Field:  first.Field(),
		Reason: fmt.Sprintf("failed %q constraint", first.Tag()),
	}
}

// validateSemantics covers the cross-field rules that struct tags cannot
// express: the location pair invariant and the format version pin.
func (m *RequestMetaData) validateSemantics() error {
	if _, err := strconv.ParseUint(m.MeasurementID, 10, 64); err != nil {
		return &InvalidMetaDataError{Field: "measurementId", Reason: "not parseable as an unsigned 64-bit integer"}
	}

	// Either both locations are present and locationCount is positive, or
	// neither location is present and locationCount is zero.
	hasLocations := m.StartLocation != nil && m.EndLocation != nil
	hasAnyLocation := m.StartLocation != nil || m.EndLocation != nil
	switch {
	case m.LocationCount == 0 && hasAnyLocation:
		return &InvalidMetaDataError{Field: "locationCount", Reason: "locations present but locationCount is 0"}
	case m.LocationCount > 0 && !hasLocations:
		return &InvalidMetaDataError{Field: "locationCount", Reason: "locationCount > 0 requires startLocation and endLocation"}
	}

	if m.FormatVersion != CurrentTransferFileFormatVersion {
		return &InvalidMetaDataError{
			Field:  "formatVersion",
			Reason: fmt.Sprintf("unsupported transfer format version %d, server requires %d", m.FormatVersion, CurrentTransferFileFormatVersion),
		}
	}
	return nil
}
