// Package enrichment drives the per-record tool calls against an MCP service and merges
// the decoded payloads into developer records.
package enrichment

import (
	"bytes"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// DeveloperRecord is one entry of the developer catalog.
//
// Enrichable fields are pointers (or nil slices) so that "never enriched" round-trips
// as JSON null. Fields the record carries but this package does not know about are
// kept and written back unchanged.
type DeveloperRecord struct {
	OrgNumber    string
	Name         string
	Address      *string
	Industry     *string
	Employees    *int64
	Financials   json.RawMessage
	Roles        []Role
	Shareholders []Shareholder

	extra map[string]json.RawMessage
}

type Role struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type Shareholder struct {
	Name       string   `json:"name"`
	Percentage *float64 `json:"percentage"`
	Type       string   `json:"type"`
}

const (
	keyOrgNumber    = "orgNumber"
	keyName         = "name"
	keyAddress      = "address"
	keyIndustry     = "industry"
	keyEmployees    = "employees"
	keyFinancials   = "financials"
	keyRoles        = "roles"
	keyShareholders = "shareholders"
)

// Extra returns the raw value of a field this package does not model.
func (r *DeveloperRecord) Extra(key string) (json.RawMessage, bool) {
	v, ok := r.extra[key]
	return v, ok
}

func (r *DeveloperRecord) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("developer record must be an object")
	}

	var out DeveloperRecord
	take := func(key string, dst any) error {
		raw, ok := fields[key]
		delete(fields, key)
		if !ok || isNull(raw) {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		return nil
	}

	if err := take(keyOrgNumber, &out.OrgNumber); err != nil {
		return err
	}
	if err := take(keyName, &out.Name); err != nil {
		return err
	}
	if err := take(keyAddress, &out.Address); err != nil {
		return err
	}
	if err := take(keyIndustry, &out.Industry); err != nil {
		return err
	}
	if err := take(keyEmployees, &out.Employees); err != nil {
		return err
	}
	if err := take(keyRoles, &out.Roles); err != nil {
		return err
	}
	if err := take(keyShareholders, &out.Shareholders); err != nil {
		return err
	}
	if raw, ok := fields[keyFinancials]; ok {
		delete(fields, keyFinancials)
		if !isNull(raw) {
			out.Financials = append(json.RawMessage(nil), bytes.TrimSpace(raw)...)
		}
	}

	if len(fields) > 0 {
		out.extra = fields
	}
	*r = out
	return nil
}

// MarshalJSON writes the modelled fields in a fixed order followed by unknown fields
// sorted by key, so identical records always encode to identical bytes.
func (r DeveloperRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(key string, v any) error {
		var b []byte
		switch raw := v.(type) {
		case json.RawMessage:
			b = raw
			if len(b) == 0 {
				b = []byte("null")
			}
		default:
			var err error
			if b, err = json.MarshalNoEscape(v); err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.MarshalNoEscape(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(b)
		return nil
	}

	roles := r.Roles
	if roles == nil {
		roles = []Role{}
	}
	shareholders := r.Shareholders
	if shareholders == nil {
		shareholders = []Shareholder{}
	}

	ordered := []struct {
		key string
		v   any
	}{
		{keyOrgNumber, r.OrgNumber},
		{keyName, r.Name},
		{keyAddress, r.Address},
		{keyIndustry, r.Industry},
		{keyEmployees, r.Employees},
		{keyFinancials, r.Financials},
		{keyRoles, roles},
		{keyShareholders, shareholders},
	}
	for _, f := range ordered {
		if err := write(f.key, f.v); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(r.extra))
	for k := range r.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := write(k, r.extra[k]); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
