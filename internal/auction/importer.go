package auction

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
)

// DecodeCatalog reads a JSON array of player objects. name, position,
// rating and starting_bid are mapped to fields; any other key is kept as a
// player attribute.
func DecodeCatalog(r io.Reader) ([]PlayerInput, error) {
	var raw []map[string]json.RawMessage
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding catalog: %v: %w", err, ErrInvalidInput)
	}

	players := make([]PlayerInput, 0, len(raw))
	for i, obj := range raw {
		var p PlayerInput
		for key, val := range obj {
			var err error
			switch key {
			case "name":
				err = json.Unmarshal(val, &p.Name)
			case "position":
				err = json.Unmarshal(val, &p.Position)
			case "rating":
				err = json.Unmarshal(val, &p.Rating)
			case "starting_bid":
				p.StartingBid, err = decodeMoney(val)
			default:
				var v any
				if err = json.Unmarshal(val, &v); err == nil {
					if p.Attributes == nil {
						p.Attributes = make(map[string]any)
					}
					p.Attributes[key] = v
				}
			}
			if err != nil {
				return nil, fmt.Errorf("player %d field %q: %v: %w", i, key, err, ErrInvalidInput)
			}
		}
		players = append(players, p)
	}
	return players, nil
}

// decodeMoney accepts a JSON number or a numeric string.
func decodeMoney(val json.RawMessage) (decimal.Decimal, error) {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(val); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}
