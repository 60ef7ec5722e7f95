package config

import _ "embed"

// EmbeddedConfigYAML holds the defaults shipped with the binary.
//
//go:embed config.yaml
var EmbeddedConfigYAML []byte
