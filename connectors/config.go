package connectors

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// decodeConfig maps a node's raw config document onto a typed struct.
// Numbers arriving as float64 from JSON decode into int fields.
func decodeConfig(connector string, raw map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("%s: invalid config: %w", connector, err)
	}
	return nil
}
