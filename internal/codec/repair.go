package codec

// Repair appends closers for brackets left open at end of input, in nesting
// order. Brackets inside string literals and comments are ignored. Stray
// closers are left alone. Reports whether anything was appended.
func Repair(src []byte) ([]byte, bool) {
	var (
		stack []byte
		quote byte
		esc   bool
	)
	for i := 0; i < len(src); i++ {
		ch := src[i]
		if quote != 0 {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'', '`':
			quote = ch
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				for i < len(src) && src[i] != '\n' {
					i++
				}
			} else if i+1 < len(src) && src[i+1] == '*' {
				i += 2
				for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
					i++
				}
				i++
			}
		case '(':
			stack = append(stack, ')')
		case '[':
			stack = append(stack, ']')
		case '{':
			stack = append(stack, '}')
		case ')', ']', '}':
			if n := len(stack); n > 0 && stack[n-1] == ch {
				stack = stack[:n-1]
			}
		}
	}
	if len(stack) == 0 && quote == 0 {
		return src, false
	}

	out := make([]byte, 0, len(src)+2+len(stack))
	out = append(out, src...)
	if quote != 0 {
		out = append(out, quote)
	}
	out = append(out, '\n')
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i])
	}
	return out, true
}
