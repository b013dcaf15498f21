package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vast-data/cosmos-labs-sub001/pkg/fn"
)

// Query is one alert query with its threshold resolved.
type Query struct {
	Text        string
	Threshold   float64
	Tags        []string
	Destination string
}

type queryFile struct {
	Queries []queryEntry `yaml:"queries"`
}

type queryEntry struct {
	Text        string   `yaml:"query_text"`
	Threshold   *float64 `yaml:"threshold"`
	Tags        []string `yaml:"tags"`
	Destination string   `yaml:"destination"`
}

// LoadQueries reads the alert query file at path.
func LoadQueries(path string, defaultThreshold float64) ([]Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read queries: %w", err)
	}
	return ParseQueries(data, defaultThreshold)
}

// ParseQueries decodes a query document. Unknown keys are rejected; a
// missing threshold takes defaultThreshold.
func ParseQueries(data []byte, defaultThreshold float64) ([]Query, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f queryFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode queries: %w", err)
	}

	var errs []error
	out := make([]Query, 0, len(f.Queries))
	for i, e := range f.Queries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			errs = append(errs, fmt.Errorf("queries[%d]: query_text is required", i))
			continue
		}
		th := defaultThreshold
		if e.Threshold != nil {
			th = *e.Threshold
		}
		if !finite(th) {
			errs = append(errs, fmt.Errorf("queries[%d] %q: threshold must be finite", i, text))
			continue
		}
		out = append(out, Query{
			Text:        text,
			Threshold:   th,
			Tags:        fn.Unique(e.Tags),
			Destination: e.Destination,
		})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return out, nil
}
