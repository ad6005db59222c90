package answer

import (
	"fmt"
	"strings"

	"github.com/junwei-lu/auditrag/retrieval"
)

// systemPrompt binds the model to the supplied material and to tagged
// conclusions. The marker format here must stay in sync with
// citationRe.
const systemPrompt = `你是一个专业的审计和合规助手，擅长根据法规制度和审计报告来回答问题。

请严格遵循：
1. 只能基于给定参考资料回答，不要编造来源
2. 每条关键结论后必须添加来源标记，格式为 [S1]、[S2]
3. 来源标记必须来自参考资料中的来源ID，不能凭空创建
4. 如果资料不足，请明确说明“未在参考资料中找到充分依据”
5. 回答结构清晰、专业、可执行`

// InsufficientContext is the fixed reply for queries the retrieved
// material cannot support. It is emitted without calling the model.
const InsufficientContext = "未在参考资料中找到充分依据。"

// buildContext renders the retrieved chunks as numbered source blocks
// the model can cite by id.
func buildContext(chunks []retrieval.Result) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n")
		}
		source := c.Filename
		if source == "" {
			source = c.Title
		}
		if source == "" {
			source = fmt.Sprintf("参考资料%d", i+1)
		}
		fmt.Fprintf(&b, "[S%d] 来源: %s\n", i+1, source)
		if c.Title != "" && c.Title != c.Filename {
			fmt.Fprintf(&b, "标题: %s\n", c.Title)
		}
		if c.DocType != "" {
			fmt.Fprintf(&b, "类型: %s\n", c.DocType)
		}
		fmt.Fprintf(&b, "相关度: %.4f\n", c.Score)
		fmt.Fprintf(&b, "内容:\n%s\n", c.Text)
	}
	return b.String()
}

// buildUserPrompt assembles the reference material, the question, and
// the citation output rules into the final user turn.
func buildUserPrompt(query string, chunks []retrieval.Result) string {
	return fmt.Sprintf(`请基于以下参考资料回答问题。

%s
问题: %s

输出要求：
- 在结论句后追加来源标记，如：XXX。[S1]
- 可以同时引用多个来源，如：[S1][S3]
- 不要输出不存在的来源编号
- 不要省略来源标记`, buildContext(chunks), query)
}
