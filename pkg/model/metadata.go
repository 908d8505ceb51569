// Package model defines the metadata envelope a client declares for an
// upload, and its validation rules.
package model

import (
	"strconv"
)

// CurrentTransferFileFormatVersion is the binary transfer format version
// this server accepts. Pre-requests declaring any other version are
// rejected so clients never upload bytes the backend cannot interpret.
const CurrentTransferFileFormatVersion = 3

// FileType identifies the kind of artifact an upload produces. It is part
// of the uniqueness tuple (deviceId, measurementId, fileType) enforced by
// the storage backends.
type FileType string

const (
	// FileTypeMeasurement is the compressed sensor trace itself.
	FileTypeMeasurement FileType = "ccyf"

	// Attachment types.
	FileTypeLog   FileType = "log"
	FileTypeImage FileType = "image"
	FileTypeVideo FileType = "video"
	FileTypeZip   FileType = "zip"
)

// Valid reports whether t is a known file type.
func (t FileType) Valid() bool {
	switch t {
	case FileTypeMeasurement, FileTypeLog, FileTypeImage, FileTypeVideo, FileTypeZip:
		return true
	}
	return false
}

// GeoLocation is a single recorded position with its capture time in
// milliseconds since the epoch.
type GeoLocation struct {
	Timestamp int64   `json:"timestamp"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}

// RequestMetaData is the JSON envelope declared once per upload via the
// pre-request. It is immutable for the lifetime of the upload session.
type RequestMetaData struct {
	DeviceID           string       `json:"deviceId"           validate:"required,len=36,uuid_rfc4122"`
	MeasurementID      string       `json:"measurementId"      validate:"required,max=20,number"`
	OSVersion          string       `json:"osVersion"          validate:"required,min=1,max=30"`
	DeviceType         string       `json:"deviceType"         validate:"required,min=1,max=30"`
	ApplicationVersion string       `json:"applicationVersion" validate:"required,min=1,max=30"`
	Length             float64      `json:"length"             validate:"gte=0"`
	LocationCount      int64        `json:"locationCount"      validate:"gte=0"`
	StartLocation      *GeoLocation `json:"startLocation,omitempty"`
	EndLocation        *GeoLocation `json:"endLocation,omitempty"`
	Modality           string       `json:"modality"           validate:"required,min=1,max=30"`
	FormatVersion      int          `json:"formatVersion"`
}

// AttachmentMetaData is the envelope for attachment pre-requests. On top
// of the measurement fields it declares what the attachment contains and
// which artifact type it produces.
type AttachmentMetaData struct {
	RequestMetaData

	AttachmentID string   `json:"attachmentId" validate:"required,max=20,number"`
	FileType     FileType `json:"fileType"     validate:"required"`
	LogCount     int64    `json:"logCount"     validate:"gte=0"`
	ImageCount   int64    `json:"imageCount"   validate:"gte=0"`
	VideoCount   int64    `json:"videoCount"   validate:"gte=0"`
	FilesSize    int64    `json:"filesSize"    validate:"gte=0"`
}

// MeasurementNumber returns the measurement identifier as an unsigned
// integer. Validation guarantees this parses.
func (m *RequestMetaData) MeasurementNumber() uint64 {
	n, _ := strconv.ParseUint(m.MeasurementID, 10, 64)
	return n
}

// AttachmentNumber returns the attachment identifier as an unsigned
// integer. Validation guarantees this parses.
func (m *AttachmentMetaData) AttachmentNumber() uint64 {
	n, _ := strconv.ParseUint(m.AttachmentID, 10, 64)
	return n
}
