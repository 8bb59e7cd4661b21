package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// TimeValue is a wall-clock time of day carried by time attributes and
// time literals. It has no date component; ordering within a day is
// defined by [TimeValue.Encode].
type TimeValue struct {
	Hour   int `yaml:"hour" json:"hour"`
	Minute int `yaml:"minute" json:"minute"`
	Second int `yaml:"second" json:"second"`
}

// Encode returns the canonical integer encoding
// second + minute<<8 + hour<<16. The encoding is monotone within a day,
// so <, <=, >, >= on encodings order times correctly. Equality on times
// uses the same encoding.
func (t TimeValue) Encode() int {
	return t.Second + t.Minute<<8 + t.Hour<<16
}

// Validate checks the component range invariants: 0≤hour≤24,
// 0≤minute<60, 0≤second<60.
func (t TimeValue) Validate() error {
	if t.Hour < 0 || t.Hour > 24 {
		return fmt.Errorf("time hour %d out of range [0, 24]", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("time minute %d out of range [0, 59]", t.Minute)
	}
	if t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("time second %d out of range [0, 59]", t.Second)
	}
	return nil
}

// String renders the time as HH:MM:SS.
func (t TimeValue) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// ParseTime parses "HH:MM:SS" or "HH:MM" into a TimeValue.
func ParseTime(s string) (TimeValue, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeValue{}, fmt.Errorf("malformed time %q (want HH:MM[:SS])", s)
	}
	var t TimeValue
	var err error
	if t.Hour, err = strconv.Atoi(parts[0]); err != nil {
		return TimeValue{}, fmt.Errorf("malformed time %q: %w", s, err)
	}
	if t.Minute, err = strconv.Atoi(parts[1]); err != nil {
		return TimeValue{}, fmt.Errorf("malformed time %q: %w", s, err)
	}
	if len(parts) == 3 {
		if t.Second, err = strconv.Atoi(parts[2]); err != nil {
			return TimeValue{}, fmt.Errorf("malformed time %q: %w", s, err)
		}
	}
	if err := t.Validate(); err != nil {
		return TimeValue{}, err
	}
	return t, nil
}
