// Package defaults provides the embedded example configuration written
// by the steward init subcommand.
package defaults

import _ "embed"

//go:generate cp ../../examples/steward.example.yaml .

// ConfigYAML is the example steward.yaml.
//
//go:embed steward.example.yaml
var ConfigYAML []byte
