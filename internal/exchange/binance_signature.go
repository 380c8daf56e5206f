package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// 可覆盖的时间函数，便于测试。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// 全局时间同步器（可被外部设置）
var globalTimeSync *TimeSync

// SetGlobalTimeSync 允许外部设置全局时间同步器
func SetGlobalTimeSync(ts *TimeSync) {
	globalTimeSync = ts
}

func signTimestamp() int64 {
	if globalTimeSync != nil {
		return globalTimeSync.ServerTime()
	}
	return timeNowMillis()
}

// SignParams 按 key 排序拼接 query 并做 HMAC-SHA256，缺少 timestamp 时自动补充。
func SignParams(params map[string]string, secret string) (string, string) {
	if _, ok := params["timestamp"]; !ok {
		params["timestamp"] = strconv.FormatInt(signTimestamp(), 10)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	query := b.String()
	return query, sign(query, secret)
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery 返回带 signature 的完整 query
func signedQuery(params map[string]string, secret string) string {
	query, sig := SignParams(params, secret)
	return query + "&signature=" + url.QueryEscape(sig)
}
