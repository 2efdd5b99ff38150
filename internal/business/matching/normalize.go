package matching

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// normalizeSpace NFC 归一化 + 去首尾空白 + 折叠内部空白
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// normalizeText 字符串比较前的统一归一化（含大小写折叠）
// cases.Caser 有状态，不能跨 goroutine 共享，所以每次新建
func normalizeText(s string) string {
	return cases.Fold().String(normalizeSpace(s))
}
