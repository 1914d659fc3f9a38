package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
)

var (
	importRe        = regexp.MustCompile(`(?m)^[ \t]*import[\s{*'"]`)
	exportDefaultRe = regexp.MustCompile(`(?m)^([ \t]*)export[ \t]+default[ \t]+`)
	exportDeclRe    = regexp.MustCompile(`(?m)^([ \t]*)export[ \t]+((?:async[ \t]+)?(?:class|function[ \t]*\*?|const|let|var)[ \t]+)([A-Za-z_$][\w$]*)`)
	exportListRe    = regexp.MustCompile(`(?m)^[ \t]*export[ \t]*\{([^}]*)\}[ \t]*;?`)
)

// compileModule compiles an ES module body into a function taking
// (exports, module). Exports are rewritten into assignments on exports;
// imports are not supported since a worker is a single file.
func compileModule(source string) (*goja.Program, error) {
	if loc := importRe.FindStringIndex(source); loc != nil {
		line := strings.Count(source[:loc[0]], "\n") + 1
		return nil, fmt.Errorf("%w: import statement at line %d", ErrUnsupported, line)
	}

	var tail []string
	source = exportDeclRe.ReplaceAllStringFunc(source, func(m string) string {
		sub := exportDeclRe.FindStringSubmatch(m)
		tail = append(tail, fmt.Sprintf("exports.%s = %s;", sub[3], sub[3]))
		return sub[1] + sub[2] + sub[3]
	})
	source = exportListRe.ReplaceAllStringFunc(source, func(m string) string {
		sub := exportListRe.FindStringSubmatch(m)
		for _, item := range strings.Split(sub[1], ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			local, exported := item, item
			if name, alias, ok := strings.Cut(item, " as "); ok {
				local, exported = strings.TrimSpace(name), strings.TrimSpace(alias)
			}
			tail = append(tail, fmt.Sprintf("exports[%q] = %s;", exported, local))
		}
		return ""
	})
	source = exportDefaultRe.ReplaceAllString(source, "${1}exports.default = ")

	var sb strings.Builder
	sb.WriteString("(function (exports, module) {\n")
	sb.WriteString(source)
	sb.WriteString("\n")
	for _, line := range tail {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("})")

	return goja.Compile("worker.js", sb.String(), true)
}
