package service

import (
	"time"

	"tutor-chat-go/internal/model"
)

// DirectiveInjector 负责把服务端固定的系统指令注入消息序列，并在返回给客户端前移除。
// 指令在进程生命周期内不变，客户端无法覆盖。
type DirectiveInjector struct {
	directive string
	now       func() time.Time
}

// NewDirectiveInjector 创建一个使用给定指令文本的注入器。
func NewDirectiveInjector(directive string) *DirectiveInjector {
	return &DirectiveInjector{directive: directive, now: time.Now}
}

// Directive 返回当前的系统指令文本。
func (d *DirectiveInjector) Directive() string {
	return d.directive
}

// Inject 丢弃输入中的所有 system 消息，并在最前面放入一条新的 system 消息，
// 其时间戳早于序列中所有已有时间戳。返回新切片，不修改输入。
func (d *DirectiveInjector) Inject(messages []model.ChatMessage) []model.ChatMessage {
	rest := model.WithoutSystem(messages)

	var earliest time.Time
	for _, m := range rest {
		if m.Timestamp == nil {
			continue
		}
		if ts := m.Timestamp.Time(); earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
	}
	systemAt := d.now()
	if !earliest.IsZero() && !systemAt.Before(earliest) {
		systemAt = earliest.Add(-time.Microsecond)
	}

	out := make([]model.ChatMessage, 0, len(rest)+1)
	out = append(out, model.ChatMessage{
		Role:      model.RoleSystem,
		Content:   d.directive,
		Timestamp: model.NewTimestamp(systemAt),
	})
	return append(out, rest...)
}

// Strip 移除所有 system 消息，其余顺序不变。
func (d *DirectiveInjector) Strip(messages []model.ChatMessage) []model.ChatMessage {
	return model.WithoutSystem(messages)
}
