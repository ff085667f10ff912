package providers

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/aihub/chat-backend/internal/models"
)

// splitSystem 抽出 system 消息，多个按空行拼接
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// coalesce 合并相邻同角色消息，供要求 user/assistant 交替的上游使用
func coalesce(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			prev := &out[n-1]
			switch {
			case prev.Content == "":
				prev.Content = m.Content
			case m.Content != "":
				prev.Content += "\n\n" + m.Content
			}
			prev.Images = append(prev.Images, m.Images...)
			continue
		}
		m.Images = append([]Image(nil), m.Images...)
		out = append(out, m)
	}
	return out
}

func encodeImage(img Image) string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

// imageMIME 未给出类型时按内容嗅探
func imageMIME(img Image) string {
	if img.MIMEType != "" {
		return img.MIMEType
	}
	if len(img.Data) == 0 {
		return "image/png"
	}
	return http.DetectContentType(img.Data)
}

func dataURL(img Image) string {
	return "data:" + imageMIME(img) + ";base64," + encodeImage(img)
}
