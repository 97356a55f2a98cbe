package wire

import "fmt"

// NodeDescriptor is the {id, address, port} shape nested inside
// FIND_NODE_RESP / FIND_VALUE_RESP payloads.
type NodeDescriptor struct {
	ID      []byte
	Address string
	Port    int
}

func nodeDescriptorToMap(n NodeDescriptor) map[string]interface{} {
	return map[string]interface{}{
		"id":      n.ID,
		"address": n.Address,
		"port":    n.Port,
	}
}

func nodeDescriptorsToPayload(nodes []NodeDescriptor) []interface{} {
	out := make([]interface{}, len(nodes))
	for i, n := range nodes {
		out[i] = nodeDescriptorToMap(n)
	}
	return out
}

func nodeDescriptorsFromPayload(raw interface{}) ([]NodeDescriptor, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("nodes field: expected array, got %T", raw)
	}
	out := make([]NodeDescriptor, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("nodes entry: expected map, got %T", item)
		}
		id, err := asBytes(m["id"])
		if err != nil {
			return nil, fmt.Errorf("nodes entry id: %w", err)
		}
		addr, _ := m["address"].(string)
		port, err := asInt(m["port"])
		if err != nil {
			return nil, fmt.Errorf("nodes entry port: %w", err)
		}
		out = append(out, NodeDescriptor{ID: id, Address: addr, Port: port})
	}
	return out, nil
}

func asBytes(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected []byte, got %T", v)
	}
}

func asInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int8:
		return int(t), nil
	case int16:
		return int(t), nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		return int(t), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

// --- Payload constructors ---

// FindNodePayload builds the FIND_NODE request payload.
func FindNodePayload(targetID []byte) map[string]interface{} {
	return map[string]interface{}{"target_id": targetID}
}

// FindNodeRespPayload builds the FIND_NODE_RESP payload.
func FindNodeRespPayload(nodes []NodeDescriptor) map[string]interface{} {
	return map[string]interface{}{"nodes": nodeDescriptorsToPayload(nodes)}
}

// FindValuePayload builds the FIND_VALUE request payload.
func FindValuePayload(key []byte) map[string]interface{} {
	return map[string]interface{}{"key": key}
}

// FindValueRespPayload builds the FIND_VALUE_RESP payload. Exactly one of
// value or nodes should be populated, matching found.
func FindValueRespPayload(found bool, value []byte, nodes []NodeDescriptor) map[string]interface{} {
	p := map[string]interface{}{"found": found}
	if found {
		p["value"] = value
	} else {
		p["nodes"] = nodeDescriptorsToPayload(nodes)
	}
	return p
}

// StorePayload builds the STORE request payload.
func StorePayload(key, value []byte, ttlSeconds int64) map[string]interface{} {
	return map[string]interface{}{"key": key, "value": value, "ttl": ttlSeconds}
}

// StoreRespPayload builds the STORE_RESP payload.
func StoreRespPayload(success bool, errMsg string) map[string]interface{} {
	p := map[string]interface{}{"success": success}
	if errMsg != "" {
		p["error"] = errMsg
	}
	return p
}

// PopularityItem is one entry exchanged in a POPULARITY_EXCHANGE payload.
type PopularityItem struct {
	KeyHex  string
	Score   float64
	Metrics map[string]interface{}
}

// PopularityExchangePayload builds the POPULARITY_EXCHANGE(_RESP) payload.
func PopularityExchangePayload(items []PopularityItem) map[string]interface{} {
	list := make([]interface{}, len(items))
	for i, it := range items {
		list[i] = map[string]interface{}{
			"key_hex": it.KeyHex,
			"score":   it.Score,
			"metrics": it.Metrics,
		}
	}
	return map[string]interface{}{"items": list}
}

// ParsePopularityItems extracts items from a decoded
// POPULARITY_EXCHANGE(_RESP) payload.
func ParsePopularityItems(payload map[string]interface{}) ([]PopularityItem, error) {
	raw, ok := payload["items"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("items field: expected array, got %T", raw)
	}
	out := make([]PopularityItem, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("items entry: expected map, got %T", item)
		}
		keyHex, _ := m["key_hex"].(string)
		score, err := asFloat(m["score"])
		if err != nil {
			return nil, fmt.Errorf("items entry score: %w", err)
		}
		metrics, _ := m["metrics"].(map[string]interface{})
		out = append(out, PopularityItem{KeyHex: keyHex, Score: score, Metrics: metrics})
	}
	return out, nil
}

// RankingEntry is one entry in a GLOBAL_RANKING_RESP payload.
type RankingEntry struct {
	KeyHex string
	Score  float64
}

// GlobalRankingRespPayload builds the GLOBAL_RANKING_RESP payload.
func GlobalRankingRespPayload(entries []RankingEntry) map[string]interface{} {
	list := make([]interface{}, len(entries))
	for i, e := range entries {
		list[i] = map[string]interface{}{"key_hex": e.KeyHex, "score": e.Score}
	}
	return map[string]interface{}{"ranking": list}
}

// ParseRanking extracts entries from a decoded GLOBAL_RANKING_RESP payload.
func ParseRanking(payload map[string]interface{}) ([]RankingEntry, error) {
	raw, ok := payload["ranking"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("ranking field: expected array, got %T", raw)
	}
	out := make([]RankingEntry, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("ranking entry: expected map, got %T", item)
		}
		keyHex, _ := m["key_hex"].(string)
		score, err := asFloat(m["score"])
		if err != nil {
			return nil, fmt.Errorf("ranking entry score: %w", err)
		}
		out = append(out, RankingEntry{KeyHex: keyHex, Score: score})
	}
	return out, nil
}

// GetBytes extracts a []byte field from a decoded payload.
func GetBytes(payload map[string]interface{}, field string) ([]byte, error) {
	return asBytes(payload[field])
}

// GetInt64 extracts an integer field from a decoded payload.
func GetInt64(payload map[string]interface{}, field string) (int64, error) {
	v, err := asInt(payload[field])
	return int64(v), err
}

// GetBool extracts a boolean field from a decoded payload.
func GetBool(payload map[string]interface{}, field string) bool {
	return asBool(payload[field])
}

// GetNodes extracts a nodes list (as carried by FIND_NODE_RESP and
// FIND_VALUE_RESP) from a decoded payload.
func GetNodes(payload map[string]interface{}, field string) ([]NodeDescriptor, error) {
	raw, ok := payload[field]
	if !ok {
		return nil, nil
	}
	return nodeDescriptorsFromPayload(raw)
}
