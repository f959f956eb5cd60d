package factory

import "strings"

// depth is the maximum parenthesis nesting of expr.
func depth(expr string) int {
	cur, deepest := 0, 0
	for _, r := range expr {
		switch r {
		case '(':
			cur++
			if cur > deepest {
				deepest = cur
			}
		case ')':
			cur--
		}
	}
	return deepest
}

// parseCall splits "name(a, b)" into its name and trimmed top-level arguments.
// ok is false when expr is not a single call.
func parseCall(expr string) (name string, args []string, ok bool) {
	expr = strings.TrimSpace(expr)
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}
	name = strings.TrimSpace(expr[:open])
	if strings.ContainsAny(name, " <>=+-*/,") {
		return "", nil, false
	}
	level, start := 0, open+1
	for i := open; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			level++
		case ')':
			level--
			if level == 0 && i != len(expr)-1 {
				return "", nil, false
			}
		case ',':
			if level == 1 {
				args = append(args, strings.TrimSpace(expr[start:i]))
				start = i + 1
			}
		}
	}
	if level != 0 {
		return "", nil, false
	}
	if last := strings.TrimSpace(expr[start : len(expr)-1]); last != "" || len(args) > 0 {
		args = append(args, last)
	}
	return name, args, true
}
