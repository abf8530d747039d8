// prompt.go — 对话窗口到生成请求的组装
package llm

import (
	"strings"

	"github.com/chat-relay/go-relay-v2/internal/store"
)

// BuildMessages 把系统提示词与会话窗口拼成请求消息序列。
//
// 窗口按时间升序传入 (store.SelectWindow 的输出)，逐条映射为
// user / assistant 消息；空内容行跳过。systemPrompt 为空时不加 system 条目。
func BuildMessages(systemPrompt string, window []store.ConversationMessage) []Message {
	out := make([]Message, 0, len(window)+1)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		out = append(out, Message{Role: "system", Content: s})
	}
	for _, m := range window {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := m.Role
		if role != store.RoleUser && role != store.RoleAssistant {
			// 历史表只应出现这两种角色，异常行按用户输入处理
			role = store.RoleUser
		}
		out = append(out, Message{Role: role, Content: content})
	}
	return out
}
