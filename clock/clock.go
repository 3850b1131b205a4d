// Package clock converts between the textual timestamps persisted by the
// item store and instants in the marketplace's home timezone.
package clock

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
)

// DefaultTimezone is the marketplace's home timezone
const DefaultTimezone = "Asia/Tashkent"

// ShortLayout is the form every new timestamp is written in
const ShortLayout = "02.01.2006 15:04:05"

var naiveLayouts = []string{
	ShortLayout,
	"02.01.2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
}

// Rows written before the format change used month names.
var longLayouts = []string{
	"2 1 2006 15:04:05",
	"2 1 2006 15:04",
}

var monthNames = map[string]string{
	"января": "1", "февраля": "2", "марта": "3", "апреля": "4",
	"мая": "5", "июня": "6", "июля": "7", "августа": "8",
	"сентября": "9", "октября": "10", "ноября": "11", "декабря": "12",
	"january": "1", "february": "2", "march": "3", "april": "4",
	"may": "5", "june": "6", "july": "7", "august": "8",
	"september": "9", "october": "10", "november": "11", "december": "12",
}

// Codec parses and formats store timestamps in a fixed civil timezone
type Codec struct {
	loc *time.Location
}

// NewCodec creates a codec for the named IANA timezone
func NewCodec(tz string) (*Codec, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load timezone %q", tz)
	}
	return &Codec{loc: loc}, nil
}

// NewCodecIn creates a codec for an already resolved location
func NewCodecIn(loc *time.Location) *Codec {
	return &Codec{loc: loc}
}

// Location returns the home timezone
func (c *Codec) Location() *time.Location {
	return c.loc
}

// Format renders t in the short local form
func (c *Codec) Format(t time.Time) string {
	return t.In(c.loc).Format(ShortLayout)
}

// Parse reads any supported encoding. It reports false for input it does
// not recognize.
func (c *Codec) Parse(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, text, c.loc); err == nil {
			return t, true
		}
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.In(c.loc), true
		}
	}

	if normalized, ok := normalizeLong(text); ok {
		for _, layout := range longLayouts {
			if t, err := time.ParseInLocation(layout, normalized, c.loc); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// normalizeLong rewrites "19 октября 2026 г., 14:30:05" as "19 10 2026 14:30:05".
func normalizeLong(text string) (string, bool) {
	fields := strings.Fields(strings.NewReplacer(",", " ", "г.", " ").Replace(strings.ToLower(text)))
	if len(fields) != 4 {
		return "", false
	}
	month, ok := monthNames[fields[1]]
	if !ok {
		return "", false
	}
	fields[1] = month
	return strings.Join(fields, " "), true
}
