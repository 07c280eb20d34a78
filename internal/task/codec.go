package task

import (
	"encoding/json"
	"fmt"
)

// wireTask mirrors Task's JSON shape. It exists only so MarshalJSON can
// normalize CreationTime and so UnmarshalJSON can validate taskType
// before acceptance; the struct tags on Task already do the rest of the
// field mapping, so we alias rather than re-declare field-by-field.
type wireTask Task

// MarshalJSON encodes a Task, always stamping a taskType discriminator
// even when callers construct Task{} literals without setting Type.
func (t Task) MarshalJSON() ([]byte, error) {
	w := wireTask(t)
	if w.Type == "" {
		w.Type = TypeDownload
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Task and rejects an unknown or missing
// taskType discriminator, since every downstream component dispatches on
// it (spec §9 tagged-variant dispatch).
func (t *Task) UnmarshalJSON(data []byte) error {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case TypeDownload, TypeUpload, TypeMultiUpload, TypeParallelDownload, TypeUriDownload, TypeUriUpload:
	case "":
		return fmt.Errorf("task: missing taskType discriminator")
	default:
		return fmt.Errorf("task: unknown taskType %q", w.Type)
	}
	*t = Task(w)
	return nil
}

// Encode round-trips a TaskRecord to its JSON wire form, used by the
// state store and the observation pipeline.
func Encode(r TaskRecord) ([]byte, error) {
	return json.Marshal(r)
}

// Decode is the inverse of Encode.
func Decode(data []byte) (TaskRecord, error) {
	var r TaskRecord
	err := json.Unmarshal(data, &r)
	return r, err
}
