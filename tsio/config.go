package tsio

import (
	"fmt"
	"strconv"
	"strings"
)

// Config is a map of keyword to arbitrary data to specify configurations via keyword.
// Keys are case-insensitive.
type Config map[string]interface{}

// NewConfig returns an empty Config.
func NewConfig() Config {
	return make(Config)
}

// Set sets a keyword to a value.
func (c Config) Set(key string, value interface{}) {
	c[strings.ToLower(key)] = value
}

func (c Config) get(key string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	if v, found := c[key]; found {
		return v, true
	}
	v, found := c[strings.ToLower(key)]
	return v, found
}

// GetString returns a string value, or found = false if the key isn't present.
func (c Config) GetString(key string) (s string, found bool, err error) {
	v, found := c.get(key)
	if !found {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case fmt.Stringer:
		return t.String(), true, nil
	}
	return "", true, fmt.Errorf("setting for %q was not a string: %v", key, v)
}

// GetInt returns an int value.  Strings are parsed.
func (c Config) GetInt(key string) (i int, found bool, err error) {
	v, found := c.get(key)
	if !found {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case float64:
		return int(t), true, nil
	case string:
		i, err = strconv.Atoi(t)
		return i, true, err
	}
	return 0, true, fmt.Errorf("setting for %q was not an int: %v", key, v)
}

// GetBool returns a bool value.  Strings like "true" are parsed.
func (c Config) GetBool(key string) (b bool, found bool, err error) {
	v, found := c.get(key)
	if !found {
		return false, false, nil
	}
	switch t := v.(type) {
	case bool:
		return t, true, nil
	case string:
		b, err = strconv.ParseBool(t)
		return b, true, err
	}
	return false, true, fmt.Errorf("setting for %q was not a bool: %v", key, v)
}

// Merge returns a new Config with the settings of o added to or replacing c's.
func (c Config) Merge(o Config) Config {
	m := make(Config, len(c)+len(o))
	for k, v := range c {
		m[k] = v
	}
	for k, v := range o {
		m.Set(k, v)
	}
	return m
}
