package search

import (
	"fmt"
	"strconv"
	"strings"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultLead     ResultType = "lead"
	ResultProperty ResultType = "property"
)

func ParseResultType(value string) (ResultType, error) {
	switch ResultType(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return "", nil
	case ResultLead, "leads":
		return ResultLead, nil
	case ResultProperty, "properties":
		return ResultProperty, nil
	}
	return "", fmt.Errorf("unknown search type %q", value)
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	Status  string     `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// LeadRecord is the data we index for a lead.
type LeadRecord struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Phone     string   `json:"phone"`
	Email     string   `json:"email"`
	Status    string   `json:"status"`
	Locations []string `json:"locations"`
	Notes     string   `json:"notes"`
}

// PropertyRecord is the data we index for a property listing.
type PropertyRecord struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	PropertyType string  `json:"propertyType"`
	Status       string  `json:"status"`
	Location     string  `json:"location"`
	Address      string  `json:"address"`
	Description  string  `json:"description"`
	Price        float64 `json:"price"`
}

func LeadFromRecord(record map[string]any) LeadRecord {
	return LeadRecord{
		ID:        stringField(record, "id"),
		Name:      stringField(record, "name"),
		Phone:     stringField(record, "phone"),
		Email:     stringField(record, "email"),
		Status:    stringField(record, "status"),
		Locations: listField(record, "preferred_locations"),
		Notes:     stringField(record, "notes"),
	}
}

func PropertyFromRecord(record map[string]any) PropertyRecord {
	return PropertyRecord{
		ID:           stringField(record, "id"),
		Title:        stringField(record, "title"),
		PropertyType: stringField(record, "property_type"),
		Status:       stringField(record, "status"),
		Location:     stringField(record, "location"),
		Address:      stringField(record, "address"),
		Description:  stringField(record, "description"),
		Price:        floatField(record, "price"),
	}
}

func stringField(record map[string]any, key string) string {
	switch v := record[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func listField(record map[string]any, key string) []string {
	switch v := record[key].(type) {
	case []string:
		return v
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
		return items
	}
	return []string{}
}

func floatField(record map[string]any, key string) float64 {
	switch v := record[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}
