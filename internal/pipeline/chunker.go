// Package pipeline 实现了文件从原始内容到可检索索引的处理流水线。
package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"smart-qa-go/internal/config"
)

// 句子结束符：中英文句号、问号、感叹号以及换行。
var sentenceDelimPattern = regexp.MustCompile(`[。！？\n]+|[.!?\n]+`)

// 超长句子按逗号、分号进一步切分。
var clauseDelimPattern = regexp.MustCompile(`[，；,;]+`)

// ChunkText 将文本按句子边界切分为语义完整的块。
// 目标块大小为 size 个字符，允许为保持句子完整而扩展到 size*maxExpandRatio；
// 相邻块之间携带不超过 overlap 个字符的句子级重叠。
// 参数不合法时返回 config.ErrInvalidConfig。
func ChunkText(text string, size, overlap int, maxExpandRatio float64) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d 必须为正数", config.ErrInvalidConfig, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d 必须满足 0 <= overlap < size(%d)", config.ErrInvalidConfig, overlap, size)
	}
	if maxExpandRatio < 1.0 {
		return nil, fmt.Errorf("%w: max_expand_ratio %.2f 不能小于 1.0", config.ErrInvalidConfig, maxExpandRatio)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		// 没有句子分隔符时退化为段落切分
		paragraphs := strings.Split(text, "\n\n")
		if len(paragraphs) == 1 {
			return fixedWidthChunks(text, size, overlap), nil
		}
		for _, p := range paragraphs {
			if s := strings.TrimSpace(p); s != "" {
				sentences = append(sentences, s)
			}
		}
		if len(sentences) == 0 {
			return nil, nil
		}
	}

	maxChunkSize := int(float64(size) * maxExpandRatio)

	var chunks []string
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))
			current = nil
			currentLen = 0
		}
	}

	for _, sentence := range sentences {
		sentenceLen := runeLen(sentence)

		// 单句超过最大块大小时按子句进一步切分，子句内不截断
		if sentenceLen > maxChunkSize {
			flush()
			for _, sub := range splitClauses(sentence) {
				subLen := runeLen(sub)
				if currentLen+subLen <= maxChunkSize {
					current = append(current, sub)
					currentLen += subLen + 1
					continue
				}
				flush()
				if subLen > maxChunkSize {
					chunks = append(chunks, sub)
				} else {
					current = []string{sub}
					currentLen = subLen
				}
			}
			continue
		}

		sepLen := 0
		if len(current) > 0 {
			sepLen = 1
		}
		newLen := currentLen + sentenceLen + sepLen

		switch {
		case newLen <= size:
			current = append(current, sentence)
			currentLen = newLen
		case newLen <= maxChunkSize:
			// 超出目标大小但在扩展范围内，保持句子完整仍然并入
			current = append(current, sentence)
			currentLen = newLen
		default:
			// 提取尾部句子作为下一块的重叠
			var overlapSentences []string
			overlapLen := 0
			if len(current) > 1 {
				for j := len(current) - 1; j >= 0; j-- {
					l := runeLen(current[j])
					if overlapLen+l > overlap {
						break
					}
					overlapSentences = append([]string{current[j]}, overlapSentences...)
					overlapLen += l + 1
				}
			}

			flush()
			current = append(overlapSentences, sentence)
			currentLen = overlapLen + sentenceLen + len(overlapSentences)
		}
	}
	flush()

	return chunks, nil
}

// splitSentences 按句子结束符切分文本，结束符归属前一个句子。
func splitSentences(text string) []string {
	matches := sentenceDelimPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var sentences []string
	prev := 0
	for _, m := range matches {
		body := strings.TrimSpace(text[prev:m[0]])
		delim := strings.TrimSpace(text[m[0]:m[1]])
		if body != "" {
			sentences = append(sentences, body+delim)
		}
		prev = m[1]
	}
	if tail := strings.TrimSpace(text[prev:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func splitClauses(sentence string) []string {
	parts := clauseDelimPattern.Split(sentence, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// fixedWidthChunks 是没有任何句子或段落结构时的兜底切分。
func fixedWidthChunks(text string, size, overlap int) []string {
	runes := []rune(text)
	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		start = start + size - overlap
		if start >= len(runes) {
			break
		}
	}
	return chunks
}

func runeLen(s string) int {
	return len([]rune(s))
}
