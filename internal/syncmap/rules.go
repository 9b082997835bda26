package syncmap

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ttacon/libphonenumber"
	"github.com/xuri/excelize/v2"
)

// Rule names the coercion applied to a sheet cell before it is written to a typed column.
type Rule string

const (
	RuleText           Rule = "text"
	RuleNumber         Rule = "number"
	RuleInteger        Rule = "integer"
	RuleList           Rule = "list"
	RulePropertyType   Rule = "property_type"
	RulePropertyStatus Rule = "property_status"
	RuleLeadStatus     Rule = "lead_status"
	RulePhone          Rule = "phone"
	RuleEmail          Rule = "email"
	RuleDate           Rule = "date"
	RuleBool           Rule = "bool"
)

var ErrUnknownRule = errors.New("unknown coercion rule")

// Options carries the per-run knobs shared by coercion and reconcile.
type Options struct {
	// PhoneRegion is the ISO region used for numbers written without a country code.
	PhoneRegion string
	Prefer      Preference
}

func (r Rule) Valid() bool {
	switch r {
	case RuleText, RuleNumber, RuleInteger, RuleList, RulePropertyType, RulePropertyStatus,
		RuleLeadStatus, RulePhone, RuleEmail, RuleDate, RuleBool:
		return true
	}
	return false
}

var nonNumeric = regexp.MustCompile(`[^0-9.]`)

// Coerce converts a raw sheet cell into the value stored in the destination column.
// Blank cells become nil for every rule except the enum rules, which fall back to their default.
func Coerce(rule Rule, raw string, opts Options) (any, error) {
	value := strings.TrimSpace(raw)
	switch rule {
	case RuleText, "":
		if value == "" {
			return nil, nil
		}
		return value, nil
	case RuleNumber:
		return parseNumber(value), nil
	case RuleInteger:
		n := parseNumber(value)
		if n == nil {
			return nil, nil
		}
		return int64(n.(float64)), nil
	case RuleList:
		return splitList(value), nil
	case RulePropertyType:
		return NormalizePropertyType(value), nil
	case RulePropertyStatus:
		return NormalizePropertyStatus(value), nil
	case RuleLeadStatus:
		return NormalizeLeadStatus(value), nil
	case RulePhone:
		if value == "" {
			return nil, nil
		}
		return NormalizePhone(value, opts.PhoneRegion), nil
	case RuleEmail:
		if value == "" {
			return nil, nil
		}
		return strings.ToLower(value), nil
	case RuleDate:
		if value == "" {
			return nil, nil
		}
		// the column is a DATE, so a note such as "TBD" is dropped rather than failing the insert
		if date, ok := normalizeDate(value); ok {
			return date, nil
		}
		return nil, nil
	case RuleBool:
		if value == "" {
			return nil, nil
		}
		switch strings.ToLower(value) {
		case "yes", "y", "true", "1", "x":
			return true, nil
		}
		return false, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRule, rule)
}

func parseNumber(value string) any {
	negative := strings.HasPrefix(value, "-")
	value = strings.TrimPrefix(value, "-")
	// ranges such as "10-12 lakh" keep the lower bound
	value, _, _ = strings.Cut(value, "-")
	cleaned := nonNumeric.ReplaceAllString(value, "")
	if cleaned == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	if negative {
		parsed = -parsed
	}
	return parsed
}

func splitList(value string) []string {
	items := make([]string, 0)
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' }) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

var propertyTypes = []struct {
	value    string
	keywords []string
}{
	{"penthouse", []string{"penthouse"}},
	{"studio", []string{"studio", "1rk"}},
	{"villa", []string{"villa", "bungalow"}},
	{"plot", []string{"plot", "land"}},
	{"commercial", []string{"commercial", "office", "shop", "retail", "showroom", "warehouse"}},
	{"house", []string{"independent house", "house", "home", "row house"}},
	{"apartment", []string{"apartment", "flat", "unit", "apt", "condo"}},
}

// NormalizePropertyType maps free text to the fixed property type vocabulary; unknown input is an apartment.
// Keywords match whole words only, so "Highland Flat" is a flat and not land.
func NormalizePropertyType(value string) string {
	words := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	padded := " " + strings.Join(words, " ") + " "
	for _, candidate := range propertyTypes {
		for _, keyword := range candidate.keywords {
			if strings.Contains(padded, " "+keyword+" ") {
				return candidate.value
			}
		}
	}
	return "apartment"
}

var propertyStatuses = map[string]string{
	"available":   "available",
	"for sale":    "available",
	"for rent":    "available",
	"active":      "available",
	"open":        "available",
	"sold":        "sold",
	"sold out":    "sold",
	"closed":      "sold",
	"rented":      "rented",
	"leased":      "rented",
	"let":         "rented",
	"under offer": "under_offer",
	"under_offer": "under_offer",
	"offer":       "under_offer",
	"negotiation": "under_offer",
	"reserved":    "reserved",
	"on hold":     "reserved",
	"booked":      "reserved",
	"blocked":     "reserved",
}

// NormalizePropertyStatus maps free text to the property status vocabulary; unknown input is available.
func NormalizePropertyStatus(value string) string {
	if status, ok := propertyStatuses[strings.ToLower(strings.TrimSpace(value))]; ok {
		return status
	}
	return "available"
}

var leadStatuses = map[string]string{
	"new":            "new",
	"fresh":          "new",
	"contacted":      "contacted",
	"called":         "contacted",
	"follow up":      "contacted",
	"follow-up":      "contacted",
	"qualified":      "qualified",
	"interested":     "qualified",
	"hot":            "qualified",
	"negotiating":    "negotiating",
	"negotiation":    "negotiating",
	"site visit":     "negotiating",
	"converted":      "converted",
	"closed":         "converted",
	"won":            "converted",
	"lost":           "lost",
	"dead":           "lost",
	"not interested": "lost",
}

func NormalizeLeadStatus(value string) string {
	if status, ok := leadStatuses[strings.ToLower(strings.TrimSpace(value))]; ok {
		return status
	}
	return "new"
}

// NormalizePhone formats a number as E.164 when libphonenumber can parse it and
// returns the trimmed input otherwise.
func NormalizePhone(value, region string) string {
	value = strings.TrimSpace(value)
	if region == "" {
		region = "IN"
	}
	num, err := libphonenumber.Parse(value, region)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return value
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"01/02/2006",
	"02 Jan 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

func normalizeDate(value string) (string, bool) {
	if serial, err := strconv.ParseFloat(value, 64); err == nil && serial > 0 && serial < 2958466 {
		if parsed, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return parsed.Format("2006-01-02"), true
		}
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.Format("2006-01-02"), true
		}
	}
	return "", false
}
