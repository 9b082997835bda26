package syncmap

import (
	"errors"
	"fmt"
)

type Choice string

const (
	KeepCRM   Choice = "keep_crm"
	KeepSheet Choice = "keep_sheet"
	Merge     Choice = "merge"
)

// FieldChoice is the per-field decision used by Merge. Keep is "crm", "sheet" or "custom".
type FieldChoice struct {
	Keep  string `json:"keep"`
	Value string `json:"value,omitempty"`
}

var (
	ErrInvalidChoice      = errors.New("invalid resolution choice")
	ErrFieldNotInConflict = errors.New("field is not part of the conflict")
)

// Resolve turns a human decision into the patch written to the destination row.
// Only fields listed in the conflict's FieldDiffs can appear in the patch; fields
// left out of a merge keep the CRM value.
func Resolve(m Mapping, conflict Conflict, choice Choice, fields map[string]FieldChoice, opts Options) (Record, error) {
	patch := make(Record)
	switch choice {
	case KeepCRM:
		return patch, nil
	case KeepSheet:
		for _, field := range conflict.FieldDiffs {
			patch[field] = conflict.Source[field]
		}
		return patch, nil
	case Merge:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}

	inConflict := make(map[string]struct{}, len(conflict.FieldDiffs))
	for _, field := range conflict.FieldDiffs {
		inConflict[field] = struct{}{}
	}
	for field, decision := range fields {
		if _, ok := inConflict[field]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotInConflict, field)
		}
		switch decision.Keep {
		case "crm", "":
		case "sheet":
			patch[field] = conflict.Source[field]
		case "custom":
			column, ok := m.Column(field)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
			}
			value, err := Coerce(column.Rule, decision.Value, opts)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			patch[field] = value
		default:
			return nil, fmt.Errorf("%w: field %s keep %q", ErrInvalidChoice, field, decision.Keep)
		}
	}
	return patch, nil
}

// Retype restores Go types lost when a record travels through JSON: integer
// columns come back as float64 and list columns as []any.
func Retype(m Mapping, record Record) Record {
	out := make(Record, len(record))
	for key, value := range record {
		out[key] = value
		column, ok := m.Column(key)
		if !ok || value == nil {
			continue
		}
		switch column.Rule {
		case RuleInteger:
			if f, ok := value.(float64); ok {
				out[key] = int64(f)
			}
		case RuleList:
			if items, ok := value.([]any); ok {
				list := make([]string, 0, len(items))
				for _, item := range items {
					list = append(list, Canonical(item))
				}
				out[key] = list
			}
		}
	}
	return out
}
