package runtime

import "github.com/ocx/backend/internal/domain"

// snapshotMetadata derives a MetadataSnapshot from a node's output so
// downstream nodes' ref parameters can be validated and UIs can render a
// column picker without re-running the node.
func snapshotMetadata(output interface{}) *domain.MetadataSnapshot {
	obj, ok := output.(map[string]interface{})
	if !ok {
		return nil
	}

	snap := &domain.MetadataSnapshot{
		Schema: make(map[string]any, len(obj)),
	}
	for col, val := range obj {
		snap.Columns = append(snap.Columns, col)
		snap.Schema[col] = goType(val)
		if val == nil {
			snap.Nullable = append(snap.Nullable, col)
		}
	}
	return snap
}

func goType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return "unknown"
	}
}
