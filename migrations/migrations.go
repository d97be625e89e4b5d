// Package migrations embeds the schema applied by the migrate command.
package migrations

import (
	"embed"
	"strings"
)

//go:embed *.sql clickhouse/*.sql
var FS embed.FS

const (
	MySQL      = "001_init.sql"
	ClickHouse = "clickhouse/001_init.sql"
)

// Statements splits a script into single statements for drivers that do
// not accept multi-statement Exec. Lines starting with "--" are dropped.
func Statements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var out []string
	for _, s := range strings.Split(b.String(), ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
