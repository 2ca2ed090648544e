package webhook

import (
	"encoding/json"
	"errors"
	"mime"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

var ErrMalformedBody = errors.New("malformed webhook body")

// NormalizeBody returns the delivery as JSON. Form encoded bodies with
// bracketed keys (data[MESSAGES][0][text]=hi) become nested objects, and
// objects keyed 0..n-1 become arrays.
func NormalizeBody(contentType string, body []byte) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if mediaType != "application/x-www-form-urlencoded" {
		if len(body) == 0 || !json.Valid(body) {
			return nil, ErrMalformedBody
		}
		return body, nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, ErrMalformedBody
	}

	root := map[string]interface{}{}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		path, ok := splitKey(key)
		if !ok {
			return nil, ErrMalformedBody
		}
		vals := values[key]
		var value interface{} = vals[len(vals)-1]
		if err := assign(root, path, value); err != nil {
			return nil, err
		}
	}

	return json.Marshal(arrays(root))
}

// splitKey turns a[b][c] into [a b c]
func splitKey(key string) ([]string, bool) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		return []string{key}, key != ""
	}
	if open == 0 {
		return nil, false
	}

	path := []string{key[:open]}
	rest := key[open:]
	for rest != "" {
		if rest[0] != '[' {
			return nil, false
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, false
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path, true
}

func assign(node map[string]interface{}, path []string, value interface{}) error {
	for i, part := range path {
		if i == len(path)-1 {
			if _, isMap := node[part].(map[string]interface{}); isMap {
				return ErrMalformedBody
			}
			node[part] = value
			return nil
		}

		next, exists := node[part]
		if !exists {
			child := map[string]interface{}{}
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return ErrMalformedBody
		}
		node = child
	}
	return nil
}

// arrays converts objects whose keys are exactly 0..n-1 into arrays
func arrays(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = arrays(child)
	}

	if len(m) == 0 {
		return m
	}
	list := make([]interface{}, len(m))
	for k, child := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(m) || list[i] != nil {
			return m
		}
		list[i] = child
	}
	return list
}
