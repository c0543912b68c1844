/*
Copyright 2025 The llm-d-inference-sim Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configValidator checks a configuration file against the schema of the known options
type configValidator struct {
	schema *jsonschema.Schema
}

func newConfigValidator() (*configValidator, error) {
	sch, err := jsonschema.CompileString("config-schema.json", configSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile configuration schema: %w", err)
	}
	return &configValidator{schema: sch}, nil
}

// validateYAML validates the given yaml document. The document is converted to its json
// representation first, so numbers have the types the schema validator expects.
func (v *configValidator) validateYAML(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse yaml: %w", err)
	}
	if doc == nil {
		// empty file
		return nil
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("configuration is not representable as json: %w", err)
	}
	var value interface{}
	if err := json.Unmarshal(jsonBytes, &value); err != nil {
		return err
	}

	return v.schema.Validate(value)
}

const configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "model": {"type": "string"},
    "model-type": {"type": "string", "minLength": 1},
    "max-num-seqs": {"type": "integer", "minimum": 1},
    "max-model-len": {"type": "integer", "minimum": 1},
    "request-queue-size": {"type": "integer", "minimum": 1},
    "kv-cache-size": {"type": "integer", "minimum": 1},
    "block-size": {"enum": [8, 16, 32, 64, 128]},
    "num-layers": {"type": "integer", "minimum": 1},
    "num-heads": {"type": "integer", "minimum": 1},
    "head-dim": {"type": "integer", "minimum": 1},
    "key-split": {"type": "integer", "minimum": 1},
    "streaming-token-buffer-size": {"type": "integer", "minimum": 1},
    "step-timeout": {"type": "integer", "minimum": 1},
    "response-workers": {"type": "integer", "minimum": 1},
    "seed": {"type": "integer"},
    "hash-seed": {"type": "string"},
    "enable-kv-events": {"type": "boolean"},
    "zmq-endpoint": {"type": "string"},
    "zmq-max-connect-attempts": {"type": "integer", "minimum": 0, "maximum": 10},
    "event-batch-size": {"type": "integer", "minimum": 1}
  }
}`
