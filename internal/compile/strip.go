package compile

import (
	"regexp"
	"sort"
	"strings"
)

// stripTypes lowers erasable TypeScript syntax to plain JavaScript: type-only
// imports and exports, interfaces, type aliases, declare statements,
// annotations, access modifiers, as/satisfies casts, and non-null assertions.
// NeedsFullCompilation routes sources whose types generate runtime code to
// esbuild before this runs. Stripping its own output is a no-op.
func stripTypes(source string) string {
	text := source
	text = removeTypeStatements(text)
	text = stripClasses(text)
	text = stripAnnotations(text)
	text = stripCasts(text)
	return collapseBlankRuns(text)
}

type span struct{ start, end int }

// codeMask marks which bytes are executable code as opposed to the interior
// of strings, template literals, or comments. Template expression holes count
// as code.
func codeMask(src string) []bool {
	mask := make([]bool, len(src))
	type frame struct {
		hole  bool
		depth int
	}
	var stack []frame
	i := 0
	for i < len(src) {
		c := src[i]
		inTemplate := len(stack) > 0 && !stack[len(stack)-1].hole
		if inTemplate {
			if c == '\\' {
				i += 2
				continue
			}
			if c == '`' {
				stack = stack[:len(stack)-1]
				i++
				continue
			}
			if c == '$' && i+1 < len(src) && src[i+1] == '{' {
				stack = append(stack, frame{hole: true})
				i += 2
				continue
			}
			i++
			continue
		}
		switch {
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i += 2
		case c == '\'' || c == '"':
			q := c
			i++
			for i < len(src) && src[i] != q && src[i] != '\n' {
				if src[i] == '\\' {
					i++
				}
				i++
			}
			i++
		case c == '`':
			stack = append(stack, frame{})
			i++
		default:
			if len(stack) > 0 && stack[len(stack)-1].hole {
				if c == '{' {
					stack[len(stack)-1].depth++
				} else if c == '}' {
					if stack[len(stack)-1].depth == 0 {
						stack = stack[:len(stack)-1]
						i++
						continue
					}
					stack[len(stack)-1].depth--
				}
			}
			mask[i] = true
			i++
		}
	}
	return mask
}

// cut removes the given spans from text. Spans must be sorted by start;
// overlapping spans collapse into the earliest one.
func cut(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(a, b int) bool { return spans[a].start < spans[b].start })
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, sp := range spans {
		if sp.start < prev {
			if sp.end > prev {
				prev = sp.end
			}
			continue
		}
		b.WriteString(text[prev:sp.start])
		prev = sp.end
	}
	if prev < len(text) {
		b.WriteString(text[prev:])
	}
	return b.String()
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c == '#' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// nextSig returns the index of the next significant code byte at or after i,
// or -1. String and comment interiors are skipped via the mask.
func nextSig(src string, mask []bool, i int) int {
	for ; i < len(src); i++ {
		if mask[i] && !isSpaceByte(src[i]) {
			return i
		}
	}
	return -1
}

func prevSig(src string, mask []bool, i int) int {
	for i--; i >= 0; i-- {
		if mask[i] && !isSpaceByte(src[i]) {
			return i
		}
	}
	return -1
}

// readWord returns the identifier starting at i and the index just past it.
func readWord(src string, i int) (string, int) {
	j := i
	for j < len(src) && isIdentByte(src[j]) {
		j++
	}
	return src[i:j], j
}

// matchNesting scans from open (an opening bracket) to the index just past
// its matching close, honoring the code mask.
func matchNesting(src string, mask []bool, open int) int {
	pairs := map[byte]byte{'{': '}', '(': ')', '[': ']', '<': '>'}
	closeCh, ok := pairs[src[open]]
	if !ok {
		return open + 1
	}
	openCh := src[open]
	depth := 0
	for i := open; i < len(src); i++ {
		if !mask[i] {
			continue
		}
		switch src[i] {
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(src)
}

func isTypeEndByte(c byte) bool {
	return isIdentByte(c) || c == '>' || c == ']' || c == ')' || c == '}' || c == '"' || c == '\''
}

// scanType consumes a type expression starting at i and returns the index of
// the byte that terminates it. Terminator bytes apply at nesting depth zero.
// A '{' in the terminator set only terminates after a complete type (it opens
// an object type otherwise); "=>" is part of a function type unless
// stopAtArrow is set.
func scanType(src string, mask []bool, i int, terminators string, stopAtArrow bool) int {
	depth := 0
	lastSig := byte(0)
	for i < len(src) {
		if !mask[i] {
			i++
			continue
		}
		c := src[i]
		if c == '=' && i+1 < len(src) && src[i+1] == '>' {
			if stopAtArrow && depth == 0 {
				return i
			}
			lastSig = '>'
			i += 2
			continue
		}
		switch c {
		case '{':
			if depth == 0 && strings.IndexByte(terminators, '{') >= 0 && isTypeEndByte(lastSig) {
				return i
			}
			depth++
		case '(', '[', '<':
			depth++
		case '}', ')', ']':
			if depth == 0 {
				return i
			}
			depth--
		case '>':
			if depth > 0 {
				depth--
			}
		case '\n':
			if depth == 0 && isTypeEndByte(lastSig) {
				if n := nextSig(src, mask, i); n == -1 || (src[n] != '|' && src[n] != '&' && src[n] != '.') {
					return i
				}
			}
		default:
			if depth == 0 && c != '{' && strings.IndexByte(terminators, c) >= 0 {
				return i
			}
		}
		if !isSpaceByte(c) {
			lastSig = c
		}
		i++
	}
	return len(src)
}

var (
	importTypeRe   = regexp.MustCompile(`(?m)^[ \t]*import\s+type\b`)
	exportTypeRe   = regexp.MustCompile(`(?m)^[ \t]*export\s+type\s*[{\w]`)
	typeAliasRe    = regexp.MustCompile(`(?m)^[ \t]*(?:export\s+)?type\s+[A-Za-z_$][\w$]*`)
	interfaceRe    = regexp.MustCompile(`(?m)^[ \t]*(?:export\s+)?(?:declare\s+)?interface\s+[A-Za-z_$][\w$]*`)
	declareRe      = regexp.MustCompile(`(?m)^[ \t]*declare\s+(?:const|let|var|function|class|global|abstract)\b`)
	trailingSemiRe = regexp.MustCompile(`^[ \t]*;?[ \t]*\r?\n?`)
	blankRunsRe    = regexp.MustCompile(`\n[ \t]*\n([ \t]*\n)+`)
	inlineTypeRe   = regexp.MustCompile(`(\bimport\b[^;{\n]*\{[^}]*?)\btype\s+[\w$]+(?:\s+as\s+[\w$]+)?\s*(?:,\s*|(\}))`)
	asCastRe       = regexp.MustCompile(`\s+(?:as|satisfies)\s+(?:const\b|(?:readonly\s+)?[\w$.]+(?:<[^<>]*>)?(?:\[\])*)`)
	nonNullRe      = regexp.MustCompile(`([\w$)\]])!([^=])`)
	abstractRe     = regexp.MustCompile(`\babstract\s+(class\b)`)
)

// removeTypeStatements cuts whole statements that exist only in the type
// system: import type, export type, type aliases, interfaces, declares.
func removeTypeStatements(text string) string {
	for {
		mask := codeMask(text)
		sp, ok := findTypeStatement(text, mask)
		if !ok {
			return text
		}
		text = cut(text, []span{sp})
	}
}

func findTypeStatement(text string, mask []bool) (span, bool) {
	type hit struct {
		loc  []int
		kind byte // 'i' import, 'e' export-type, 'a' alias, 'n' interface, 'd' declare
	}
	var best *hit
	consider := func(re *regexp.Regexp, kind byte) {
		loc := maskedFind(text, mask, re)
		if loc != nil && (best == nil || loc[0] < best.loc[0]) {
			best = &hit{loc: loc, kind: kind}
		}
	}
	consider(importTypeRe, 'i')
	consider(exportTypeRe, 'e')
	consider(interfaceRe, 'n')
	consider(declareRe, 'd')
	consider(typeAliasRe, 'a')
	if best == nil {
		return span{}, false
	}

	loc := best.loc
	end := loc[1]
	switch best.kind {
	case 'n': // interface: cut through its body
		if b := firstCodeByte(text, mask, loc[1], '{'); b != -1 {
			end = matchNesting(text, mask, b)
		} else {
			end = statementEnd(text, mask, loc[1])
		}
	case 'i':
		end = statementEnd(text, mask, loc[1])
	case 'd':
		end = declarationEnd(text, mask, loc[1])
	default: // alias or export type: consume through '=' and the aliased type
		eq := -1
		for i := loc[1]; i < len(text); i++ {
			if !mask[i] {
				continue
			}
			if text[i] == '=' {
				eq = i
				break
			}
			if text[i] == '<' {
				i = matchNesting(text, mask, i) - 1
			}
			if text[i] == '{' || text[i] == ';' || text[i] == '\n' {
				break
			}
		}
		if eq == -1 {
			end = statementEnd(text, mask, loc[1])
		} else {
			end = scanType(text, mask, eq+1, ";", false)
		}
	}
	return span{loc[0], consumeTrailer(text, end)}, true
}

// maskedFind returns the first match of re whose keyword lands on executable
// code rather than a string or comment.
func maskedFind(text string, mask []bool, re *regexp.Regexp) []int {
	from := 0
	for from < len(text) {
		loc := re.FindStringIndex(text[from:])
		if loc == nil {
			return nil
		}
		s, e := loc[0]+from, loc[1]+from
		at := s
		for at < e && !isIdentByte(text[at]) {
			at++
		}
		if at < len(mask) && mask[at] {
			return []int{s, e}
		}
		from = e
	}
	return nil
}

func firstCodeByte(text string, mask []bool, i int, want byte) int {
	for ; i < len(text); i++ {
		if mask[i] && text[i] == want {
			return i
		}
	}
	return -1
}

func statementEnd(text string, mask []bool, i int) int {
	for ; i < len(text); i++ {
		if !mask[i] {
			continue
		}
		if text[i] == ';' {
			return i + 1
		}
		if text[i] == '\n' {
			return i
		}
	}
	return len(text)
}

func declarationEnd(text string, mask []bool, i int) int {
	for ; i < len(text); i++ {
		if !mask[i] {
			continue
		}
		switch text[i] {
		case '{':
			return matchNesting(text, mask, i)
		case ';':
			return i + 1
		case '\n':
			return i
		}
	}
	return len(text)
}

// consumeTrailer swallows a trailing semicolon and at most one newline so a
// removed statement does not leave an orphan blank line.
func consumeTrailer(text string, end int) int {
	if loc := trailingSemiRe.FindStringIndex(text[end:]); loc != nil {
		end += loc[1]
	}
	return end
}

func collapseBlankRuns(text string) string {
	return blankRunsRe.ReplaceAllString(text, "\n\n")
}

// stripClasses removes class-only TypeScript: access modifiers, abstract and
// declare members, implements clauses, declaration-site generics, and field
// annotations.
func stripClasses(text string) string {
	for {
		mask := codeMask(text)
		spans := classSpans(text, mask)
		if len(spans) == 0 {
			return text
		}
		text = cut(text, spans)
	}
}

func classSpans(text string, mask []bool) []span {
	var spans []span
	i := 0
	for {
		ci := maskedKeyword(text, mask, "class", i)
		if ci == -1 {
			return spans
		}
		if p := prevSig(text, mask, ci); p != -1 && text[p] == '.' {
			i = ci + len("class")
			continue
		}
		bodyOpen := classHeadSpans(text, mask, ci, &spans)
		if bodyOpen == -1 {
			i = ci + len("class")
			continue
		}
		classBodySpans(text, mask, bodyOpen, &spans)
		i = bodyOpen + 1
	}
}

// maskedKeyword finds the next whole-word occurrence of kw in executable code.
func maskedKeyword(text string, mask []bool, kw string, from int) int {
	for {
		idx := strings.Index(text[from:], kw)
		if idx == -1 {
			return -1
		}
		at := from + idx
		from = at + 1
		if !mask[at] {
			continue
		}
		if at > 0 && isIdentByte(text[at-1]) {
			continue
		}
		after := at + len(kw)
		if after < len(text) && isIdentByte(text[after]) {
			continue
		}
		return at
	}
}

// classHeadSpans processes "class Name<T> extends Base implements I" and
// returns the index of the body's opening brace, or -1.
func classHeadSpans(text string, mask []bool, classAt int, spans *[]span) int {
	i := classAt + len("class")
	for {
		n := nextSig(text, mask, i)
		if n == -1 {
			return -1
		}
		switch {
		case text[n] == '{':
			return n
		case text[n] == '<':
			end := matchNesting(text, mask, n)
			*spans = append(*spans, span{n, end})
			i = end
		case text[n] == '(', text[n] == '[':
			i = matchNesting(text, mask, n)
		case isIdentByte(text[n]):
			w, e := readWord(text, n)
			if w == "implements" {
				// Cut from "implements" up to the body brace.
				j := e
				for {
					m := nextSig(text, mask, j)
					if m == -1 {
						return -1
					}
					if text[m] == '{' {
						*spans = append(*spans, span{n, m})
						return m
					}
					if text[m] == '<' || text[m] == '(' || text[m] == '[' {
						j = matchNesting(text, mask, m)
					} else {
						j = m + 1
					}
				}
			}
			i = e
		default:
			i = n + 1
		}
	}
}

var memberModifiers = map[string]bool{
	"public": true, "private": true, "protected": true,
	"readonly": true, "override": true,
}

// classBodySpans walks a class body and cuts member-level TypeScript.
func classBodySpans(text string, mask []bool, bodyOpen int, spans *[]span) {
	depth := 0
	lastSig := byte('{')
	atStart := true
	i := bodyOpen
	for i < len(text) {
		if !mask[i] {
			i++
			continue
		}
		c := text[i]
		switch c {
		case '{', '(', '[':
			depth++
			atStart = depth == 1
		case '}', ')', ']':
			depth--
			if depth == 0 {
				return
			}
			if depth == 1 {
				atStart = true
			}
		case ';':
			if depth == 1 {
				atStart = true
			}
		case '\n':
			if depth == 1 && (lastSig == ';' || lastSig == '}' || lastSig == '{') {
				atStart = true
			}
		default:
			if depth == 1 && atStart && (isIdentByte(c) || c == '*') {
				i = memberSpans(text, mask, i, spans)
				atStart = false
				lastSig = 0
				continue
			}
			if !isSpaceByte(c) {
				atStart = false
			}
		}
		if !isSpaceByte(c) {
			lastSig = c
		}
		i++
	}
}

// memberSpans handles one class member starting at i: cuts modifiers, the
// optional ?/! marker, method generics, and field type annotations. Members
// that are declare or abstract (and thus body-less) are cut whole.
func memberSpans(text string, mask []bool, i int, spans *[]span) int {
	start := i
	erased := false
	var local []span

	// Modifiers.
	for {
		n := nextSig(text, mask, i)
		if n == -1 || !isIdentByte(text[n]) {
			break
		}
		w, e := readWord(text, n)
		after := nextSig(text, mask, e)
		nameLike := after != -1 && (text[after] == '(' || text[after] == ':' || text[after] == '=' ||
			text[after] == '<' || text[after] == '?' || text[after] == '!' || text[after] == ';' || text[after] == '}')
		if nameLike {
			break
		}
		if memberModifiers[w] {
			local = append(local, span{n, skipSpace(text, e)})
			i = e
			continue
		}
		if w == "abstract" || w == "declare" {
			erased = true
			i = e
			continue
		}
		if w == "static" || w == "async" || w == "get" || w == "set" {
			i = e
			continue
		}
		break
	}

	if erased {
		end := scanType(text, mask, start, ";", false)
		if end < len(text) && text[end] == ';' {
			end++
		}
		*spans = append(*spans, span{start, consumeTrailer(text, end)})
		return end
	}
	*spans = append(*spans, local...)

	// Member name: identifier, string, number, or computed [expr].
	n := nextSig(text, mask, i)
	if n == -1 {
		return i
	}
	switch {
	case text[n] == '*':
		n = nextSig(text, mask, n+1)
		if n == -1 {
			return i
		}
		fallthrough
	case isIdentByte(text[n]):
		_, i = readWord(text, n)
	case text[n] == '[':
		i = matchNesting(text, mask, n)
	default:
		return n + 1
	}

	// Optional / definite-assignment markers.
	if n = nextSig(text, mask, i); n != -1 && (text[n] == '?' || text[n] == '!') {
		*spans = append(*spans, span{n, n + 1})
		i = n + 1
	}

	// Method generics.
	if n = nextSig(text, mask, i); n != -1 && text[n] == '<' {
		end := matchNesting(text, mask, n)
		*spans = append(*spans, span{n, end})
		i = end
	}

	// Field annotation. Method params and return types are handled by the
	// annotation pass.
	if n = nextSig(text, mask, i); n != -1 && text[n] == ':' {
		end := scanType(text, mask, n+1, ";,=", false)
		*spans = append(*spans, span{n, trimSpanEnd(text, n, end)})
		i = end
	}
	return i
}

func skipSpace(text string, i int) int {
	for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
		i++
	}
	return i
}

// trimSpanEnd backs a cut off trailing spaces so the byte after the removed
// annotation keeps its original separator.
func trimSpanEnd(text string, start, end int) int {
	for end > start+1 && (text[end-1] == ' ' || text[end-1] == '\t') {
		end--
	}
	return end
}

// stripAnnotations removes variable, parameter, and return type annotations
// plus declaration-site generics on functions.
func stripAnnotations(text string) string {
	mask := codeMask(text)
	spans := annotationSpans(text, mask)
	if len(spans) == 0 {
		return text
	}
	return cut(text, spans)
}

func annotationSpans(text string, mask []bool) []span {
	var spans []span
	i := 0
	for i < len(text) {
		if !mask[i] {
			i++
			continue
		}
		c := text[i]
		if isIdentByte(c) {
			w, e := readWord(text, i)
			switch w {
			case "let", "const", "var":
				i = varDeclSpans(text, mask, e, &spans)
				continue
			case "function":
				i = funcHeadSpans(text, mask, e, &spans)
				continue
			case "catch":
				if n := nextSig(text, mask, e); n != -1 && text[n] == '(' {
					parenSpans(text, mask, n, &spans)
				}
			}
			i = e
			continue
		}
		if c == '(' {
			parenSpans(text, mask, i, &spans)
			returnTypeSpans(text, mask, matchNesting(text, mask, i), &spans)
		}
		i++
	}
	return spans
}

// varDeclSpans strips "let x: T" and "const {a}: T" annotations.
func varDeclSpans(text string, mask []bool, i int, spans *[]span) int {
	n := nextSig(text, mask, i)
	if n == -1 {
		return i
	}
	switch {
	case isIdentByte(text[n]):
		_, i = readWord(text, n)
	case text[n] == '{' || text[n] == '[':
		i = matchNesting(text, mask, n)
	default:
		return n
	}
	if n = nextSig(text, mask, i); n != -1 && text[n] == '!' {
		*spans = append(*spans, span{n, n + 1})
		i = n + 1
	}
	if n = nextSig(text, mask, i); n != -1 && text[n] == ':' {
		end := scanType(text, mask, n+1, ";,=", false)
		*spans = append(*spans, span{n, trimSpanEnd(text, n, end)})
		return end
	}
	return i
}

// funcHeadSpans strips declaration-site generics: function f<T>(…).
func funcHeadSpans(text string, mask []bool, i int, spans *[]span) int {
	n := nextSig(text, mask, i)
	if n == -1 {
		return i
	}
	if text[n] == '*' {
		n = nextSig(text, mask, n+1)
		if n == -1 {
			return i
		}
	}
	if isIdentByte(text[n]) {
		_, n2 := readWord(text, n)
		n = nextSig(text, mask, n2)
		if n == -1 {
			return n2
		}
	}
	if text[n] == '<' {
		end := matchNesting(text, mask, n)
		*spans = append(*spans, span{n, end})
		return end
	}
	return n
}

// parenSpans strips parameter annotations inside one paren group: ident or
// destructuring pattern directly after '(' or ',', optionally '?', then ': T'.
// Nested groups are skipped; the caller's walk visits them on its own.
func parenSpans(text string, mask []bool, open int, spans *[]span) {
	expectParam := true
	i := open + 1
	for i < len(text) {
		if !mask[i] {
			i++
			continue
		}
		c := text[i]
		switch c {
		case ')':
			return
		case ',':
			expectParam = true
		case '{', '[':
			if expectParam {
				i = paramTail(text, mask, matchNesting(text, mask, i), spans)
				expectParam = false
				continue
			}
			i = matchNesting(text, mask, i)
			continue
		case '(':
			i = matchNesting(text, mask, i)
			continue
		case '.':
			// Rest parameter: "...args".
		default:
			if expectParam && isIdentByte(c) {
				_, e := readWord(text, i)
				i = paramTail(text, mask, e, spans)
				expectParam = false
				continue
			}
			if !isSpaceByte(c) && c != '.' {
				expectParam = false
			}
		}
		i++
	}
}

// paramTail handles "?", ": T" after a parameter name or pattern.
func paramTail(text string, mask []bool, i int, spans *[]span) int {
	n := nextSig(text, mask, i)
	if n == -1 {
		return i
	}
	if text[n] == '?' {
		if m := nextSig(text, mask, n+1); m != -1 && text[m] == ':' {
			*spans = append(*spans, span{n, n + 1})
			n = m
		} else {
			return i
		}
	}
	if text[n] == ':' {
		end := scanType(text, mask, n+1, ",)=", false)
		*spans = append(*spans, span{n, trimSpanEnd(text, n, end)})
		return end
	}
	return i
}

// returnTypeSpans strips "): T" when the annotation is followed by a function
// body or arrow. Ternaries like "(a) : b" survive because their terminator is
// neither.
func returnTypeSpans(text string, mask []bool, afterClose int, spans *[]span) {
	n := nextSig(text, mask, afterClose)
	if n == -1 || text[n] != ':' {
		return
	}
	end := scanType(text, mask, n+1, "{;,)=", true)
	if end >= len(text) {
		return
	}
	if text[end] == '{' || (text[end] == '=' && end+1 < len(text) && text[end+1] == '>') {
		*spans = append(*spans, span{n, trimSpanEnd(text, n, end)})
	}
}

// stripCasts removes as/satisfies casts, non-null assertions, inline type
// import specifiers, and the abstract keyword on classes.
func stripCasts(text string) string {
	mask := codeMask(text)
	text = maskedReplace(text, mask, asCastRe, "")
	mask = codeMask(text)
	text = maskedReplace(text, mask, nonNullRe, "$1$2")
	mask = codeMask(text)
	text = maskedReplace(text, mask, abstractRe, "$1")
	for {
		mask = codeMask(text)
		next := maskedReplace(text, mask, inlineTypeRe, "$1$2")
		if next == text {
			return text
		}
		text = next
	}
}

// maskedReplace applies re only where the match starts on executable code.
func maskedReplace(text string, mask []bool, re *regexp.Regexp, repl string) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, m := range matches {
		at := m[0]
		for at < m[1] && at < len(mask) && !mask[at] && isSpaceByte(text[at]) {
			at++
		}
		if at >= len(mask) || !mask[at] {
			continue
		}
		if m[0] < prev {
			continue
		}
		b.WriteString(text[prev:m[0]])
		b.Write(re.ExpandString(nil, repl, text, m))
		prev = m[1]
	}
	b.WriteString(text[prev:])
	return b.String()
}
