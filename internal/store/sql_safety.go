// sql_safety.go — dashboard SQL 控制台的守门检查。
//
// 查询口只放行读语句 (SELECT / WITH 均可), 执行口只放行
// INSERT/UPDATE/DELETE 三种修复类写入。所有检查先剥离字符串
// 字面量, 再按词元扫描关键词, 并强制单语句。
package store

import (
	"regexp"
	"strings"
)

var (
	// 单引号字符串字面量。先剥离再扫描, 免得 message = 'DROP TABLE' 误伤。
	reLiteral = regexp.MustCompile(`'[^']*'`)

	// 语句首词元。
	reLeadingWord = regexp.MustCompile(`^\s*([A-Za-z_]+)`)

	// 词元切分 (标识符与关键词, 下划线连写算一个词)。
	reWord = regexp.MustCompile(`[A-Za-z_]+`)
)

// 写入类关键词: 只读口中出现在任何位置都拒绝。
var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true,
	"MERGE": true, "UPSERT": true, "CREATE": true, "ALTER": true,
	"DROP": true, "TRUNCATE": true, "GRANT": true, "REVOKE": true,
}

// 执行口放行的首关键词。运维修复只需要这三种。
var executeVerbs = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true,
}

// DDL 与授权关键词: 执行口中嵌在子句里也拒绝。
var dangerousKeywords = map[string]bool{
	"DROP": true, "TRUNCATE": true, "ALTER": true, "GRANT": true, "REVOKE": true,
}

// StripSQLLiterals 把单引号字面量替换为空串 ''。
func StripSQLLiterals(sql string) string {
	return reLiteral.ReplaceAllString(sql, "''")
}

// ValidateSingleStatement 拒绝分号拼接的多语句。末尾单个分号容忍。
func ValidateSingleStatement(sql string) error {
	trimmed := strings.TrimSuffix(strings.TrimSpace(sql), ";")
	if strings.Contains(trimmed, ";") {
		return ErrMultiStatement
	}
	return nil
}

// FirstSQLKeyword 返回语句首词元的大写形式, 提取不到返回 ""。
func FirstSQLKeyword(sql string) string {
	if m := reLeadingWord.FindStringSubmatch(sql); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// ValidateReadOnlyQuery 校验查询口语句: 单语句且不含任何写入关键词。
// 在剥离字面量后的文本上检查, 字面量里的分号和关键词都不算数。
func ValidateReadOnlyQuery(sql string) error {
	stripped := StripSQLLiterals(sql)
	if err := ValidateSingleStatement(stripped); err != nil {
		return err
	}
	for _, w := range reWord.FindAllString(stripped, -1) {
		if writeKeywords[strings.ToUpper(w)] {
			return ErrReadOnlyViolation
		}
	}
	return nil
}

// ValidateExecuteQuery 校验执行口语句: 单语句、首关键词在放行表内、
// 任何位置不得出现 DDL 或授权关键词。
func ValidateExecuteQuery(sql string) error {
	stripped := StripSQLLiterals(sql)
	if err := ValidateSingleStatement(stripped); err != nil {
		return err
	}
	if !executeVerbs[FirstSQLKeyword(stripped)] {
		return ErrDangerousSQL
	}
	for _, w := range reWord.FindAllString(stripped, -1) {
		if dangerousKeywords[strings.ToUpper(w)] {
			return ErrDangerousSQL
		}
	}
	return nil
}
