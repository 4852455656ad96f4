package model

import (
	"bytes"
	"fmt"
	"time"
)

// Timestamp 是消息的排序键。序列化为 RFC3339Nano（UTC），
// 解析时同时兼容不带时区的 ISO 格式（按 UTC 处理）。
type Timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// NewTimestamp 从 time.Time 构造一个 *Timestamp。
func NewTimestamp(t time.Time) *Timestamp {
	ts := Timestamp(t.UTC())
	return &ts
}

// Time 返回底层的 time.Time。
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// MarshalJSON implements the json.Marshaler interface.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Time(t).UTC().Format(time.RFC3339Nano))), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp 必须是字符串: %s", string(data))
	}
	raw := string(data[1 : len(data)-1])
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			*t = Timestamp(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("无法解析 timestamp %q", raw)
}
