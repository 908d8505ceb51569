package model

import (
	"errors"
	"testing"
)

func validMetaData() RequestMetaData {
	return RequestMetaData{
		DeviceID:           "78370516-4f7e-11ed-bdc3-0242ac120002",
		MeasurementID:      "1",
		OSVersion:          "Android 13",
		DeviceType:         "Pixel 6",
		ApplicationVersion: "3.2.1",
		Length:             1021.4,
		LocationCount:      2,
		StartLocation:      &GeoLocation{Timestamp: 1662136000000, Lat: 51.05, Lon: 13.73},
		EndLocation:        &GeoLocation{Timestamp: 1662136100000, Lat: 51.06, Lon: 13.74},
		Modality:           "BICYCLE",
		FormatVersion:      CurrentTransferFileFormatVersion,
	}
}

func TestRequestMetaDataValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*RequestMetaData)
		wantField string // empty means valid
	}{
		{"valid with locations", func(m *RequestMetaData) {}, ""},
		{"valid without locations", func(m *RequestMetaData) {
			m.LocationCount = 0
			m.StartLocation = nil
			m.EndLocation = nil
		}, ""},
		{"device id not a uuid", func(m *RequestMetaData) { m.DeviceID = "not-a-uuid" }, "deviceId"},
		{"device id empty", func(m *RequestMetaData) { m.DeviceID = "" }, "deviceId"},
		{"measurement id empty", func(m *RequestMetaData) { m.MeasurementID = "" }, "measurementId"},
		{"measurement id too long", func(m *RequestMetaData) { m.MeasurementID = "123456789012345678901" }, "measurementId"},
		{"measurement id not a number", func(m *RequestMetaData) { m.MeasurementID = "12a" }, "measurementId"},
		{"measurement id overflows uint64", func(m *RequestMetaData) { m.MeasurementID = "99999999999999999999" }, "measurementId"},
		{"os version too long", func(m *RequestMetaData) { m.OSVersion = "0123456789012345678901234567890" }, "osVersion"},
		{"device type empty", func(m *RequestMetaData) { m.DeviceType = "" }, "deviceType"},
		{"application version empty", func(m *RequestMetaData) { m.ApplicationVersion = "" }, "applicationVersion"},
		{"negative length", func(m *RequestMetaData) { m.Length = -0.5 }, "length"},
		{"negative location count", func(m *RequestMetaData) { m.LocationCount = -1 }, "locationCount"},
		{"locations without count", func(m *RequestMetaData) { m.LocationCount = 0 }, "locationCount"},
		{"count without locations", func(m *RequestMetaData) {
			m.StartLocation = nil
			m.EndLocation = nil
		}, "locationCount"},
		{"only start location", func(m *RequestMetaData) { m.EndLocation = nil }, "locationCount"},
		{"modality empty", func(m *RequestMetaData) { m.Modality = "" }, "modality"},
		{"wrong format version", func(m *RequestMetaData) { m.FormatVersion = 2 }, "formatVersion"},
		{"missing format version", func(m *RequestMetaData) { m.FormatVersion = 0 }, "formatVersion"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMetaData()
			tt.mutate(&m)

			err := m.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}

			var invalid *InvalidMetaDataError
			if !errors.As(err, &invalid) {
				t.Fatalf("Validate() = %v, want *InvalidMetaDataError", err)
			}
			if invalid.Field != tt.wantField {
				t.Errorf("rejected field = %q, want %q", invalid.Field, tt.wantField)
			}
		})
	}
}

func TestAttachmentMetaDataValidate(t *testing.T) {
	valid := AttachmentMetaData{
		RequestMetaData: validMetaData(),
		AttachmentID:    "7",
		FileType:        FileTypeLog,
		LogCount:        1,
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	t.Run("negative files size", func(t *testing.T) {
		m := valid
		m.FilesSize = -1
		var invalid *InvalidMetaDataError
		if err := m.Validate(); !errors.As(err, &invalid) || invalid.Field != "filesSize" {
			t.Errorf("Validate() = %v, want filesSize rejection", err)
		}
	})

	t.Run("measurement file type not allowed", func(t *testing.T) {
		m := valid
		m.FileType = FileTypeMeasurement
		var invalid *InvalidMetaDataError
		if err := m.Validate(); !errors.As(err, &invalid) || invalid.Field != "fileType" {
			t.Errorf("Validate() = %v, want fileType rejection", err)
		}
	})

	t.Run("unknown file type", func(t *testing.T) {
		m := valid
		m.FileType = "tarball"
		var invalid *InvalidMetaDataError
		if err := m.Validate(); !errors.As(err, &invalid) || invalid.Field != "fileType" {
			t.Errorf("Validate() = %v, want fileType rejection", err)
		}
	})
}

func TestMeasurementNumber(t *testing.T) {
	m := validMetaData()
	m.MeasurementID = "42"
	if got := m.MeasurementNumber(); got != 42 {
		t.Errorf("MeasurementNumber() = %d, want 42", got)
	}
}
