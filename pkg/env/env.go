package env

import (
	"errors"
	"fmt"
	"os"
	"strings"

	pkgstrings "github.com/klwxsrx/go-stream-binder/pkg/strings"
)

var ErrNotFound = errors.New("env not found")

func Must[T any](val T, err error) T {
	if err != nil {
		panic(fmt.Errorf("parse environment: %w", err))
	}

	return val
}

// Parse reads a required variable. Supported types are the ones of strings.ParseTypedValue.
func Parse[T any](key string) (T, error) {
	var blank T
	str, ok := os.LookupEnv(key)
	if !ok {
		return blank, fmt.Errorf("%w: %s with type %T", ErrNotFound, key, blank)
	}

	v, err := pkgstrings.ParseTypedValue[T](strings.TrimSpace(str))
	if err != nil {
		return blank, fmt.Errorf("env %s with type %T has invalid value: %w", key, blank, err)
	}

	return v, nil
}

// ParseOptional reads a variable into a pointer type, returning nil when the variable is not set.
func ParseOptional[T any](key string) (*T, error) {
	v, err := Parse[T](key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &v, nil
}

// ParseOr reads an optional variable, falling back to the default when it is not set.
func ParseOr[T any](key string, def T) (T, error) {
	v, err := Parse[T](key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}

	return v, err
}

func ParseList[T any](key, delimiter string) ([]T, error) {
	str, ok := os.LookupEnv(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s with type list", ErrNotFound, key)
	}

	items := strings.Split(str, delimiter)
	result := make([]T, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		v, err := pkgstrings.ParseTypedValue[T](item)
		if err != nil {
			return nil, fmt.Errorf("env %s with type list has invalid value: %w", key, err)
		}
		result = append(result, v)
	}

	return result, nil
}
