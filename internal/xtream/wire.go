package xtream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Providers disagree on field types (ids as numbers or strings, ratings as numbers,
// names occasionally numeric), so wire structs decode loosely into interface{} and
// go through str before use.

type wireCategory struct {
	CategoryID   interface{} `json:"category_id"`
	CategoryName interface{} `json:"category_name"`
}

type wireLive struct {
	StreamID     interface{} `json:"stream_id"`
	Name         interface{} `json:"name"`
	StreamIcon   string      `json:"stream_icon"`
	CategoryID   interface{} `json:"category_id"`
	CategoryName interface{} `json:"category_name"`
}

type wireVOD struct {
	StreamID           interface{} `json:"stream_id"`
	Name               interface{} `json:"name"`
	StreamIcon         string      `json:"stream_icon"`
	ContainerExtension string      `json:"container_extension"`
	CategoryID         interface{} `json:"category_id"`
	CategoryName       interface{} `json:"category_name"`
}

type wireSeries struct {
	SeriesID     interface{} `json:"series_id"`
	ID           interface{} `json:"id"`
	Name         interface{} `json:"name"`
	Cover        string      `json:"cover"`
	StreamIcon   string      `json:"stream_icon"`
	CategoryID   interface{} `json:"category_id"`
	CategoryName interface{} `json:"category_name"`
}

type wireEpisode struct {
	ID                 interface{} `json:"id"`
	StreamID           interface{} `json:"stream_id"`
	Title              interface{} `json:"title"`
	ContainerExtension string      `json:"container_extension"`
	Season             interface{} `json:"season"`
	EpisodeNum         interface{} `json:"episode_num"`
}

type wireAuth struct {
	UserInfo *struct {
		Username       interface{} `json:"username"`
		Auth           interface{} `json:"auth"`
		Status         interface{} `json:"status"`
		ExpDate        interface{} `json:"exp_date"`
		MaxConnections interface{} `json:"max_connections"`
		ActiveCons     interface{} `json:"active_cons"`
	} `json:"user_info"`
	ServerInfo *struct {
		URL            string      `json:"url"`
		Port           interface{} `json:"port"`
		ServerProtocol string      `json:"server_protocol"`
		Timezone       string      `json:"timezone"`
	} `json:"server_info"`
}

// str renders a loosely typed JSON scalar as a string. Whole floats print without a decimal point.
func str(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case json.Number:
		return x.String()
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// num parses a loosely typed JSON scalar as an int, 0 when absent or non-numeric.
func num(v interface{}) int {
	n, err := strconv.Atoi(str(v))
	if err != nil {
		return 0
	}
	return n
}

// decodeList decodes a JSON array element by element, skipping elements that do not fit T.
// An empty object ({}), which some panels send for "no rows", decodes as an empty list.
func decodeList[T any](body []byte) ([]T, int, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, 0, errors.New("empty body")
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		var obj map[string]json.RawMessage
		if objErr := json.Unmarshal(trimmed, &obj); objErr == nil && len(obj) == 0 {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	out := make([]T, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			skipped++
			continue
		}
		out = append(out, v)
	}
	return out, skipped, nil
}

type member struct {
	Key   string
	Value json.RawMessage
}

// objectMembers returns the members of a JSON object in document order.
func objectMembers(raw []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var out []member
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key token %v", kt)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, member{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func firstByte(raw []byte) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}
