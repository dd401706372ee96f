package enrichment

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// FieldGroup names the set of record fields one call owns.
type FieldGroup string

const (
	GroupDetails      FieldGroup = "details"
	GroupRoles        FieldGroup = "roles"
	GroupShareholders FieldGroup = "shareholders"
	GroupFinancials   FieldGroup = "financials"
)

// MaxShareholders caps the merged shareholder list.
const MaxShareholders = 10

// MergeFunc applies a decoded tool payload to rec. It must either update every field it
// owns or return an error leaving rec untouched.
type MergeFunc func(rec *DeveloperRecord, payload json.RawMessage) error

// Call binds one tool invocation to the field group it fills.
type Call struct {
	Group  FieldGroup
	Tool   string
	ArgKey string
	Merge  MergeFunc
}

// Args builds the tool arguments for a record key.
func (c Call) Args(orgNumber string) map[string]any {
	return map[string]any{c.ArgKey: orgNumber}
}

// DefaultCalls returns the four calls in their fixed order.
func DefaultCalls() []Call {
	return []Call{
		{Group: GroupDetails, Tool: "selskapsdetaljer", ArgKey: "org_nr", Merge: MergeDetails},
		{Group: GroupRoles, Tool: "roller_i_enhet", ArgKey: "org_number", Merge: MergeRoles},
		{Group: GroupShareholders, Tool: "aksjeeiere_for_selskap", ArgKey: "org_nr", Merge: MergeShareholders},
		{Group: GroupFinancials, Tool: "get_company_last_financial_statement", ArgKey: "org_number", Merge: MergeFinancials},
	}
}

// ToolOverride replaces the tool name and/or argument key of a group. Empty fields keep the default.
type ToolOverride struct {
	Tool   string `yaml:"tool" toml:"tool"`
	ArgKey string `yaml:"arg_key" toml:"arg_key"`
}

// WithOverrides returns a copy of calls with overrides applied.
func WithOverrides(calls []Call, overrides map[FieldGroup]ToolOverride) ([]Call, error) {
	out := make([]Call, len(calls))
	copy(out, calls)
	for group, o := range overrides {
		idx := -1
		for i := range out {
			if out[i].Group == group {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("unknown field group %q", group)
		}
		if t := strings.TrimSpace(o.Tool); t != "" {
			out[idx].Tool = t
		}
		if k := strings.TrimSpace(o.ArgKey); k != "" {
			out[idx].ArgKey = k
		}
	}
	return out, nil
}

// ParseGroups parses a comma-separated group list. An empty string selects nothing.
func ParseGroups(s string) ([]FieldGroup, error) {
	var out []FieldGroup
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		g := FieldGroup(part)
		switch g {
		case GroupDetails, GroupRoles, GroupShareholders, GroupFinancials:
			out = append(out, g)
		default:
			return nil, fmt.Errorf("unknown field group %q (want details, roles, shareholders or financials)", part)
		}
	}
	return out, nil
}

// Only keeps the calls whose group is listed, preserving call order. No groups keeps all.
func Only(calls []Call, groups []FieldGroup) []Call {
	if len(groups) == 0 {
		return calls
	}
	want := make(map[FieldGroup]bool, len(groups))
	for _, g := range groups {
		want[g] = true
	}
	var out []Call
	for _, c := range calls {
		if want[c.Group] {
			out = append(out, c)
		}
	}
	return out
}

// ShapeMismatchError reports a decoded payload that does not have the structure a
// merge rule expects. The record is left unchanged.
type ShapeMismatchError struct {
	Group  FieldGroup
	Reason string
	Err    error
}

func (e *ShapeMismatchError) Error() string {
	if e == nil {
		return "shape mismatch"
	}
	msg := fmt.Sprintf("shape mismatch for %s: %s", e.Group, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ShapeMismatchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func mismatch(g FieldGroup, reason string, err error) error {
	return &ShapeMismatchError{Group: g, Reason: reason, Err: err}
}

type detailsPayload struct {
	Forretningsadresse *struct {
		Adresse json.RawMessage `json:"adresse"`
	} `json:"forretningsadresse"`
	Naeringskode1 *struct {
		Beskrivelse json.RawMessage `json:"beskrivelse"`
	} `json:"naeringskode1"`
	AntallAnsatte json.RawMessage `json:"antallAnsatte"`
}

// MergeDetails fills address, industry and employees from a company details object.
// Sub-fields that are absent or null keep their current value.
func MergeDetails(rec *DeveloperRecord, payload json.RawMessage) error {
	if !isKind(payload, '{') {
		return mismatch(GroupDetails, "expected an object", nil)
	}
	var p detailsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return mismatch(GroupDetails, "unexpected field types", err)
	}

	address, industry, employees := rec.Address, rec.Industry, rec.Employees
	if p.Forretningsadresse != nil && !isNull(p.Forretningsadresse.Adresse) {
		s, err := addressText(p.Forretningsadresse.Adresse)
		if err != nil {
			return mismatch(GroupDetails, "forretningsadresse.adresse", err)
		}
		if s != "" {
			address = &s
		}
	}
	if p.Naeringskode1 != nil && !isNull(p.Naeringskode1.Beskrivelse) {
		var s string
		if err := json.Unmarshal(p.Naeringskode1.Beskrivelse, &s); err != nil {
			return mismatch(GroupDetails, "naeringskode1.beskrivelse", err)
		}
		industry = &s
	}
	if !isNull(p.AntallAnsatte) {
		n, err := wholeNumber(p.AntallAnsatte)
		if err != nil {
			return mismatch(GroupDetails, "antallAnsatte", err)
		}
		employees = &n
	}

	rec.Address, rec.Industry, rec.Employees = address, industry, employees
	return nil
}

type rolePayload struct {
	Navn  json.RawMessage `json:"navn"`
	Rolle json.RawMessage `json:"rolle"`
}

// MergeRoles replaces roles with the {navn, rolle} projection of a role list.
func MergeRoles(rec *DeveloperRecord, payload json.RawMessage) error {
	if !isKind(payload, '[') {
		return mismatch(GroupRoles, "expected an array", nil)
	}
	var items []rolePayload
	if err := json.Unmarshal(payload, &items); err != nil {
		return mismatch(GroupRoles, "expected an array of objects", err)
	}

	roles := make([]Role, 0, len(items))
	for i, it := range items {
		name, err := labelText(it.Navn)
		if err != nil {
			return mismatch(GroupRoles, fmt.Sprintf("entry %d navn", i), err)
		}
		role, err := labelText(it.Rolle)
		if err != nil {
			return mismatch(GroupRoles, fmt.Sprintf("entry %d rolle", i), err)
		}
		roles = append(roles, Role{Name: name, Role: role})
	}
	rec.Roles = roles
	return nil
}

type shareholderPayload struct {
	Navn  json.RawMessage `json:"navn"`
	Andel json.RawMessage `json:"andel"`
	Type  json.RawMessage `json:"type"`
}

// MergeShareholders replaces shareholders with the first MaxShareholders entries of a
// shareholder list. A share that is neither a number nor a numeric string becomes null.
func MergeShareholders(rec *DeveloperRecord, payload json.RawMessage) error {
	if !isKind(payload, '[') {
		return mismatch(GroupShareholders, "expected an array", nil)
	}
	var items []shareholderPayload
	if err := json.Unmarshal(payload, &items); err != nil {
		return mismatch(GroupShareholders, "expected an array of objects", err)
	}
	if len(items) > MaxShareholders {
		items = items[:MaxShareholders]
	}

	out := make([]Shareholder, 0, len(items))
	for i, it := range items {
		name, err := labelText(it.Navn)
		if err != nil {
			return mismatch(GroupShareholders, fmt.Sprintf("entry %d navn", i), err)
		}
		typ, err := labelText(it.Type)
		if err != nil {
			return mismatch(GroupShareholders, fmt.Sprintf("entry %d type", i), err)
		}
		out = append(out, Shareholder{Name: name, Percentage: percentage(it.Andel), Type: typ})
	}
	rec.Shareholders = out
	return nil
}

// MergeFinancials stores the financial statement object verbatim.
func MergeFinancials(rec *DeveloperRecord, payload json.RawMessage) error {
	if !isKind(payload, '{') {
		return mismatch(GroupFinancials, "expected an object", nil)
	}
	if !json.Valid(payload) {
		return mismatch(GroupFinancials, "invalid json", nil)
	}
	rec.Financials = append(json.RawMessage(nil), bytes.TrimSpace(payload)...)
	return nil
}

func isKind(payload json.RawMessage, open byte) bool {
	t := bytes.TrimSpace(payload)
	return len(t) > 0 && t[0] == open
}

// addressText accepts a single line or a list of lines. Blank input yields "".
func addressText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", fmt.Errorf("want string or list of strings")
	}
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, ", "), nil
}

// labelText accepts a string, null, or a code object carrying "beskrivelse".
func labelText(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var coded struct {
		Beskrivelse *string `json:"beskrivelse"`
	}
	if err := json.Unmarshal(raw, &coded); err == nil && coded.Beskrivelse != nil {
		return *coded.Beskrivelse, nil
	}
	return "", fmt.Errorf("want string or object with beskrivelse")
}

// wholeNumber accepts an integral number or a numeric string that fits in an int64.
func wholeNumber(raw json.RawMessage) (int64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("want a whole number, got %v", f)
		}
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("want a number")
}

// percentage parses 12.5, "12.5", "12,5" and "12,5 %". Anything else is nil.
func percentage(raw json.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return finite(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	s = strings.ReplaceAll(s, ",", ".")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return finite(f)
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
