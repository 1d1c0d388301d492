package httpx

import (
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	restoreKeyParam  = "restore-key"
	restoreKeyHeader = "X-Restore-Keys"

	// maxKeyLength is the S3 object key limit in bytes.
	maxKeyLength = 1024
)

type RequestInfo struct {
	Valid       bool
	Key         string
	RestoreKeys []string
	Reason      string
}

// ClassifyRequest extracts the cache key and the ordered restore keys of a
// /cache/{key...} request. Restore keys come from repeated restore-key query
// parameters followed by the comma separated X-Restore-Keys header.
func ClassifyRequest(r *http.Request) RequestInfo {
	key := r.PathValue("key")
	if reason := checkKey(key); reason != "" {
		return RequestInfo{Valid: false, Reason: reason}
	}

	var restoreKeys []string
	for _, v := range r.URL.Query()[restoreKeyParam] {
		restoreKeys = appendKey(restoreKeys, v)
	}
	for _, h := range r.Header.Values(restoreKeyHeader) {
		for v := range strings.SplitSeq(h, ",") {
			restoreKeys = appendKey(restoreKeys, v)
		}
	}
	for _, k := range restoreKeys {
		if reason := checkKey(k); reason != "" {
			return RequestInfo{Valid: false, Reason: "restore key: " + reason}
		}
	}
	return RequestInfo{Valid: true, Key: key, RestoreKeys: restoreKeys}
}

func appendKey(keys []string, raw string) []string {
	if k := strings.TrimSpace(raw); k != "" {
		return append(keys, k)
	}
	return keys
}

func checkKey(key string) string {
	switch {
	case key == "":
		return "missing-key"
	case len(key) > maxKeyLength:
		return "key-too-long"
	case !utf8.ValidString(key):
		return "invalid-utf8"
	}
	return ""
}
