package circuit

import (
	"fmt"
	"strings"
)

// Circuit is an ordered, immutable sequence of operation labels. The empty
// circuit is valid and means prepare-then-measure with no gates in between.
type Circuit struct {
	labels []string
}

const emptyKey = "{}"

func New(labels ...string) Circuit {
	if len(labels) == 0 {
		return Circuit{}
	}
	return Circuit{labels: append([]string(nil), labels...)}
}

func (c Circuit) Len() int {
	return len(c.labels)
}

func (c Circuit) At(i int) string {
	return c.labels[i]
}

func (c Circuit) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Key is the canonical string form used to index datasets and stores.
func (c Circuit) Key() string {
	if len(c.labels) == 0 {
		return emptyKey
	}
	return strings.Join(c.labels, ":")
}

func (c Circuit) String() string {
	return c.Key()
}

// Append returns a new circuit with other's labels following c's.
func (c Circuit) Append(other Circuit) Circuit {
	if other.Len() == 0 {
		return c
	}
	labels := make([]string, 0, len(c.labels)+len(other.labels))
	labels = append(labels, c.labels...)
	labels = append(labels, other.labels...)
	return Circuit{labels: labels}
}

// Repeat returns c concatenated with itself n times. Repeat(c, 0) is the
// empty circuit.
func Repeat(c Circuit, n int) Circuit {
	if n <= 0 || c.Len() == 0 {
		return Circuit{}
	}
	labels := make([]string, 0, n*len(c.labels))
	for i := 0; i < n; i++ {
		labels = append(labels, c.labels...)
	}
	return Circuit{labels: labels}
}

func Parse(key string) (Circuit, error) {
	if key == "" {
		return Circuit{}, fmt.Errorf("circuit key is required")
	}
	if key == emptyKey {
		return Circuit{}, nil
	}
	parts := strings.Split(key, ":")
	for i, part := range parts {
		if part == "" {
			return Circuit{}, fmt.Errorf("empty label at position %d in key %q", i, key)
		}
	}
	return Circuit{labels: parts}, nil
}
