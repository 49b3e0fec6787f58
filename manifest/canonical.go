package manifest

import "encoding/json"

// canonicalBytes produces the byte representation of m used for signing:
// struct field order doesn't matter because encoding/json always emits
// object keys of a map[string]interface{} in sorted order, so round-tripping
// through a generic value yields keys in lexicographic order at every
// nesting level, matching spec §6.3's canonical form.
func canonicalBytes(m *Manifest) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return json.Marshal(generic)
}
