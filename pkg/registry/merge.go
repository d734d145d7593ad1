package registry

// idKeys maps list sections to the field identifying their entries.
var idKeys = map[string]string{
	"tools":    "tool_id",
	"actions":  "action_id",
	"policies": "policy_id",
}

// Merge overlays layers onto base in order (base -> org -> tenant -> user).
// List sections named in idKeys merge entry-by-entry on the id field:
// an overlay entry deep-merges into the base entry with the same id, base
// order preserved; unmatched overlay entries append. Maps deep-merge with
// the overlay winning per key; scalars and other lists are replaced.
func Merge(base map[string]any, layers ...map[string]any) map[string]any {
	out := deepCopy(base)
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		out = mergeDoc(out, layer)
	}
	return out
}

func mergeDoc(base, overlay map[string]any) map[string]any {
	out := deepCopy(base)
	for k, ov := range overlay {
		idKey, isIDList := idKeys[k]
		bv, exists := out[k]
		if !exists {
			out[k] = deepCopyValue(ov)
			continue
		}
		switch {
		case isIDList:
			bl, bok := bv.([]any)
			olist, ook := ov.([]any)
			if bok && ook {
				out[k] = mergeIDList(bl, olist, idKey)
				continue
			}
			out[k] = deepCopyValue(ov)
		default:
			bm, bok := bv.(map[string]any)
			om, ook := ov.(map[string]any)
			if bok && ook {
				out[k] = mergeDoc(bm, om)
				continue
			}
			out[k] = deepCopyValue(ov)
		}
	}
	return out
}

func mergeIDList(base, overlay []any, idKey string) []any {
	index := make(map[string]int, len(base))
	out := make([]any, len(base))
	copy(out, base)
	for i, e := range out {
		if m, ok := e.(map[string]any); ok {
			if id, ok := m[idKey].(string); ok {
				index[id] = i
			}
		}
	}
	for _, e := range overlay {
		om, ok := e.(map[string]any)
		if !ok {
			out = append(out, deepCopyValue(e))
			continue
		}
		id, _ := om[idKey].(string)
		if i, found := index[id]; found && id != "" {
			if bm, ok := out[i].(map[string]any); ok {
				out[i] = mergeDoc(bm, om)
				continue
			}
		}
		out = append(out, deepCopyValue(e))
		if id != "" {
			index[id] = len(out) - 1
		}
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
