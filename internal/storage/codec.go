package storage

import (
	"encoding/json"
	"errors"

	"gatefit/internal/dataset"
	"gatefit/internal/estimate"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Stamp returns the version header current writers should attach.
func Stamp() estimate.VersionedRecord {
	return estimate.VersionedRecord{
		SchemaVersion: CurrentSchemaVersion,
		CodecVersion:  CurrentCodecVersion,
	}
}

func EncodeDataset(rec dataset.Record) ([]byte, error) {
	return json.Marshal(rec)
}

func DecodeDataset(data []byte) (dataset.Record, error) {
	var rec dataset.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return dataset.Record{}, err
	}
	return rec, nil
}

func EncodeGateSetEntry(entry GateSetEntry) ([]byte, error) {
	return json.Marshal(entry)
}

func DecodeGateSetEntry(data []byte) (GateSetEntry, error) {
	var entry GateSetEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return GateSetEntry{}, err
	}
	if err := checkVersion(entry.VersionedRecord); err != nil {
		return GateSetEntry{}, err
	}
	return entry, nil
}

func EncodeEstimate(est estimate.Estimate) ([]byte, error) {
	return json.Marshal(est)
}

func DecodeEstimate(data []byte) (estimate.Estimate, error) {
	var est estimate.Estimate
	if err := json.Unmarshal(data, &est); err != nil {
		return estimate.Estimate{}, err
	}
	if err := checkVersion(est.VersionedRecord); err != nil {
		return estimate.Estimate{}, err
	}
	return est, nil
}

func checkVersion(v estimate.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
