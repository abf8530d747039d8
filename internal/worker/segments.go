// segments.go — 回复文本切段。
//
// 生成后端的回复按行切成逐条发送的消息段，模拟真人把一个意思
// 拆成几条短消息的聊天习惯。
package worker

import "strings"

// 行首说话人标签的最大长度 (按 rune 计)。
// 模型偶尔把自己名字写进回复 ("小葵: 早呀") — 超过这个长度的
// 冒号前缀当正文保留。
const speakerLabelMaxRunes = 32

// SplitSegments 把整段回复拆成消息段。
//
// 规则:
//   - 按换行拆分，空白行丢弃
//   - 每行行首的简短说话人标签去掉
//   - 全部拆丢时整条修剪后作为单段兜底
func SplitSegments(reply string) []string {
	lines := strings.Split(reply, "\n")
	segs := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(stripSpeakerLabel(strings.TrimSpace(line)))
		if line == "" {
			continue
		}
		segs = append(segs, line)
	}
	if len(segs) == 0 {
		if whole := strings.TrimSpace(reply); whole != "" {
			segs = append(segs, whole)
		}
	}
	return segs
}

// stripSpeakerLabel 去掉行首 "名字:" / "名字：" 前缀。
// URL 里的冒号 (http://...) 不算标签。
func stripSpeakerLabel(line string) string {
	idx := strings.IndexAny(line, ":：")
	if idx <= 0 {
		return line
	}
	label := line[:idx]
	if len([]rune(label)) > speakerLabelMaxRunes {
		return line
	}
	if isAllDigits(label) {
		return line // "3:30 见" 这类时刻，不是标签
	}
	rest := line[idx:]
	// 去掉冒号本身 (ASCII 1 字节 / 全角 3 字节)
	if strings.HasPrefix(rest, ":") {
		rest = rest[1:]
	} else {
		rest = strings.TrimPrefix(rest, "：")
	}
	if strings.HasPrefix(rest, "//") {
		return line // URL scheme，不是标签
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return line // 光秃秃一个标签，按正文保留
	}
	return rest
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
