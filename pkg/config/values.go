package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/goccy/go-yaml"

	"taracol/pkg/utils"
)

// Duration accepts "30s"-style strings, or plain numbers as seconds, in
// both JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalYAML(b []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case nil:
		*d = 0
		return nil
	default:
		secs, ok := number(v)
		if !ok {
			return fmt.Errorf("duration must be a string or a number of seconds, got %T", raw)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
}

// ByteSize accepts human-friendly sizes such as "1MiB" or plain byte counts.
type ByteSize int64

func (s ByteSize) String() string { return utils.FormatByteSize(int64(s)) }

func (s ByteSize) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ByteSize) UnmarshalText(b []byte) error {
	n, err := utils.ParseByteSize(string(b))
	if err != nil {
		return err
	}
	*s = ByteSize(n)
	return nil
}

func (s *ByteSize) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return s.set(raw)
}

func (s *ByteSize) UnmarshalYAML(b []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	return s.set(raw)
}

func (s *ByteSize) set(raw interface{}) error {
	switch v := raw.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case nil:
		*s = 0
		return nil
	default:
		n, ok := number(v)
		if !ok || n < 0 {
			return fmt.Errorf("size must be a string or a byte count, got %v", raw)
		}
		*s = ByteSize(n)
		return nil
	}
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
