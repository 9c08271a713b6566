package telegram

import (
	"sort"
	"unicode/utf16"

	"github.com/mymmrac/telego"
)

// restoreCodeMarkers puts back the backticks Telegram strips from code and
// pre spans and delivers as entities instead, so code-quoted text in a reply
// reaches the agent still quoted. Entity offsets count UTF-16 code units.
func restoreCodeMarkers(text string, entities []telego.MessageEntity) string {
	var code []telego.MessageEntity
	for _, e := range entities {
		if e.Type == telego.EntityTypeCode || e.Type == telego.EntityTypePre {
			code = append(code, e)
		}
	}
	if len(code) == 0 {
		return text
	}
	// Back to front so earlier offsets stay valid.
	sort.SliceStable(code, func(i, j int) bool { return code[i].Offset > code[j].Offset })

	units := utf16.Encode([]rune(text))
	for _, e := range code {
		start, end := e.Offset, e.Offset+e.Length
		if start < 0 || e.Length < 0 || end > len(units) {
			continue
		}
		open, closing := "`", "`"
		if e.Type == telego.EntityTypePre {
			open, closing = "```"+e.Language+"\n", "\n```"
		}
		out := make([]uint16, 0, len(units)+len(open)+len(closing))
		out = append(out, units[:start]...)
		out = append(out, utf16.Encode([]rune(open))...)
		out = append(out, units[start:end]...)
		out = append(out, utf16.Encode([]rune(closing))...)
		out = append(out, units[end:]...)
		units = out
	}
	return string(utf16.Decode(units))
}
