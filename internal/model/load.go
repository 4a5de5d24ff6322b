package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatForPath picks a decoder from the file extension. Anything that is
// not .json is treated as YAML.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Load reads, decodes and finalizes a model description file.
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %q: %w", path, err)
	}
	m, err := Decode(data, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", path, err)
	}
	return m, nil
}

// Decode parses and finalizes a model description.
func Decode(data []byte, format Format) (*Network, error) {
	var m Network
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, invalidf("decode json: %v", err)
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, invalidf("decode yaml: %v", err)
		}
	default:
		return nil, fmt.Errorf("unknown model format %q", format)
	}
	if err := m.Finalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Fingerprint returns a stable hash of the model description. Groups are
// sorted by Finalize so declaration order does not change the result.
func (m *Network) Fingerprint() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("fingerprint model: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
